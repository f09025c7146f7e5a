// Package memory defines the storage interfaces behind the listenbuddy memory
// layer.
//
// Two concerns are kept apart:
//
//   - [Index] is the vector index over committed transcript chunks. It answers
//     similarity queries and replays a session's chunks in commit order.
//   - [Archive] is the durable record of sessions and their insight cards.
//
// Backends live in sub-packages (chromem, postgres, sqlite, mock) so that a
// deployment can pair, for example, an in-process chromem index with a SQLite
// archive, or run both on one PostgreSQL database.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"

	"github.com/MrWong99/listenbuddy/pkg/types"
)

// ErrNotFound is returned by [Archive] lookups for unknown ids.
var ErrNotFound = errors.New("memory: not found")

// ChunkFilter narrows a search. All non-zero fields are applied as AND
// conditions.
type ChunkFilter struct {
	// SessionID restricts results to a single session. Empty searches across
	// every session.
	SessionID string
}

// ChunkResult pairs a retrieved chunk with its cosine similarity to the query.
// Higher is more similar.
type ChunkResult struct {
	Chunk      types.TranscriptChunk
	Similarity float64
}

// Index is the vector index over committed transcript chunks.
type Index interface {
	// IndexChunk stores a committed chunk. Chunks arrive in Seq order per
	// session; the caller serialises commits within a session. Once
	// IndexChunk returns, the chunk must be visible to Search, Count and
	// ChunksAfter.
	IndexChunk(ctx context.Context, chunk types.TranscriptChunk) error

	// Search returns at most topK chunks matching filter, ordered by
	// similarity descending with ties broken by newer TsStart (see
	// [SortResults]). Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkResult, error)

	// Count returns the number of chunks matching filter.
	Count(ctx context.Context, filter ChunkFilter) (int, error)

	// ChunksAfter returns the session's chunks with Seq > afterSeq in Seq
	// order. limit <= 0 means no limit.
	ChunksAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]types.TranscriptChunk, error)

	// Dimensions returns the embedding length of stored chunks, or 0 when the
	// index is empty and unconstrained.
	Dimensions(ctx context.Context) (int, error)

	// Close releases resources held by the index.
	Close() error
}

// Archive is the durable store of session records and insight cards.
type Archive interface {
	// SaveSession upserts a session record.
	SaveSession(ctx context.Context, s types.Session) error

	// GetSession returns the session with id, or [ErrNotFound].
	GetSession(ctx context.Context, id string) (types.Session, error)

	// ListSessions returns every session, newest StartTime first.
	ListSessions(ctx context.Context) ([]types.Session, error)

	// AppendInsight stores a new card. Cards are never updated.
	AppendInsight(ctx context.Context, card types.InsightCard) error

	// Insights returns a session's cards oldest first.
	Insights(ctx context.Context, sessionID string) ([]types.InsightCard, error)

	// Ping verifies the archive is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the archive.
	Close() error
}
