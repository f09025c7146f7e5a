package memory

import (
	"cmp"
	"slices"
)

// SortResults orders results by similarity descending. Equal similarities
// are broken by newer TsStart first, then by higher Seq, then by ID so the
// order is total and independent of backend iteration order.
func SortResults(results []ChunkResult) {
	slices.SortStableFunc(results, func(a, b ChunkResult) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Chunk.TsStart, a.Chunk.TsStart); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Chunk.Seq, a.Chunk.Seq); c != 0 {
			return c
		}
		return cmp.Compare(a.Chunk.ID, b.Chunk.ID)
	})
}

// TopK sorts results with [SortResults] and truncates to k. k <= 0 keeps
// everything.
func TopK(results []ChunkResult, k int) []ChunkResult {
	SortResults(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}
