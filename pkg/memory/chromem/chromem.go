// Package chromem provides an in-process [memory.Index] backed by
// github.com/philippgille/chromem-go.
//
// Each session is a shard: one chromem collection plus an in-memory,
// Seq-ordered copy of the session's chunks guarded by the shard's own lock.
// Commits to different sessions never contend, and a cross-session search
// fans out over the shards concurrently.
//
// With a persistence path the collections are written to disk by chromem and
// the shards are rebuilt from them on [Open].
package chromem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

const collectionPrefix = "session_"

// entitySep joins entity names inside a single metadata value.
const entitySep = "\x1f"

// tieEpsilon is the similarity difference below which two results are
// treated as tied.
const tieEpsilon = 1e-6

var _ memory.Index = (*Index)(nil)

// Option is a functional option for [Open].
type Option func(*options)

type options struct {
	path     string
	compress bool
}

// WithPersistence stores collections under dir. compress enables gzip for
// the persisted documents.
func WithPersistence(dir string, compress bool) Option {
	return func(o *options) {
		o.path = dir
		o.compress = compress
	}
}

// shard holds one session's collection and its ordered chunk log.
type shard struct {
	mu     sync.RWMutex
	coll   *chromem.Collection
	chunks []types.TranscriptChunk
	byDoc  map[string]int
}

// Index implements memory.Index on chromem-go.
type Index struct {
	db *chromem.DB

	mu     sync.RWMutex
	shards map[string]*shard
	dims   int
}

// Open creates an Index. Without options the index lives purely in memory.
func Open(opts ...Option) (*Index, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	idx := &Index{shards: make(map[string]*shard)}
	if o.path == "" {
		idx.db = chromem.NewDB()
		return idx, nil
	}

	db, err := chromem.NewPersistentDB(o.path, o.compress)
	if err != nil {
		return nil, fmt.Errorf("chromem: open %q: %w", o.path, err)
	}
	idx.db = db
	if err := idx.rebuild(context.Background()); err != nil {
		return nil, err
	}
	return idx, nil
}

// rebuild restores every shard's ordered chunk log from the persisted
// collections. Seqs within a session are contiguous from 1, so documents are
// fetched by their derived ids.
func (idx *Index) rebuild(ctx context.Context) error {
	for name, coll := range idx.db.ListCollections() {
		sessionID, ok := strings.CutPrefix(name, collectionPrefix)
		if !ok {
			continue
		}
		sh := &shard{coll: coll, byDoc: make(map[string]int)}
		n := coll.Count()
		for seq := int64(1); seq <= int64(n); seq++ {
			doc, err := coll.GetByID(ctx, docID(sessionID, seq))
			if err != nil {
				return fmt.Errorf("chromem: rebuild session %q seq %d: %w", sessionID, seq, err)
			}
			c, err := chunkFromDocument(doc)
			if err != nil {
				return fmt.Errorf("chromem: rebuild session %q: %w", sessionID, err)
			}
			sh.byDoc[doc.ID] = len(sh.chunks)
			sh.chunks = append(sh.chunks, c)
			if idx.dims == 0 {
				idx.dims = len(c.Embedding)
			}
		}
		idx.shards[sessionID] = sh
	}
	return nil
}

func (idx *Index) shard(sessionID string) *shard {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.shards[sessionID]
}

// getOrCreateShard returns the session's shard, creating its collection on
// first use.
func (idx *Index) getOrCreateShard(sessionID string) (*shard, error) {
	if sh := idx.shard(sessionID); sh != nil {
		return sh, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if sh, ok := idx.shards[sessionID]; ok {
		return sh, nil
	}
	coll, err := idx.db.GetOrCreateCollection(collectionPrefix+sessionID, map[string]string{"session_id": sessionID}, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection for session %q: %w", sessionID, err)
	}
	sh := &shard{coll: coll, byDoc: make(map[string]int)}
	idx.shards[sessionID] = sh
	return sh, nil
}

// snapshot returns the current shards, optionally restricted to one session.
func (idx *Index) snapshot(filter memory.ChunkFilter) []*shard {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if filter.SessionID != "" {
		if sh, ok := idx.shards[filter.SessionID]; ok {
			return []*shard{sh}
		}
		return nil
	}
	out := make([]*shard, 0, len(idx.shards))
	for _, sh := range idx.shards {
		out = append(out, sh)
	}
	return out
}

// IndexChunk implements memory.Index.
func (idx *Index) IndexChunk(ctx context.Context, chunk types.TranscriptChunk) error {
	if chunk.SessionID == "" {
		return errors.New("chromem: chunk has no session id")
	}
	if len(chunk.Embedding) == 0 || isZero(chunk.Embedding) {
		return errors.New("chromem: chunk embedding is empty or zero")
	}
	sh, err := idx.getOrCreateShard(chunk.SessionID)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	doc := chromem.Document{
		ID:        docID(chunk.SessionID, chunk.Seq),
		Metadata:  chunkMetadata(chunk),
		Embedding: chunk.Embedding,
		Content:   chunk.Text,
	}
	if err := sh.coll.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document: %w", err)
	}
	if i, ok := sh.byDoc[doc.ID]; ok {
		sh.chunks[i] = chunk
	} else {
		sh.byDoc[doc.ID] = len(sh.chunks)
		sh.chunks = append(sh.chunks, chunk)
	}

	idx.mu.Lock()
	if idx.dims == 0 {
		idx.dims = len(chunk.Embedding)
	}
	idx.mu.Unlock()
	return nil
}

// Search implements memory.Index.
func (idx *Index) Search(ctx context.Context, embedding []float32, topK int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	if topK <= 0 {
		return []memory.ChunkResult{}, nil
	}
	if len(embedding) == 0 || isZero(embedding) {
		return nil, errors.New("chromem: query embedding is empty or zero")
	}

	shards := idx.snapshot(filter)
	perShard := make([][]memory.ChunkResult, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, sh := range shards {
		g.Go(func() error {
			res, err := sh.search(gctx, embedding, topK)
			if err != nil {
				return err
			}
			perShard[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]memory.ChunkResult, 0, topK)
	for _, r := range perShard {
		merged = append(merged, r...)
	}
	return memory.TopK(merged, topK), nil
}

// search returns the shard's exact top-k under the memory.SortResults order.
// chromem ranks by similarity alone, so when the k-th result ties with the
// next one the whole shard is ranked to resolve the tie by recency.
func (sh *shard) search(ctx context.Context, embedding []float32, topK int) ([]memory.ChunkResult, error) {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	total := len(sh.chunks)
	if total == 0 {
		return nil, nil
	}
	n := min(topK+1, total)
	raw, err := sh.coll.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}
	if len(raw) > topK && math.Abs(float64(raw[topK].Similarity-raw[topK-1].Similarity)) < tieEpsilon && n < total {
		raw, err = sh.coll.QueryEmbedding(ctx, embedding, total, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("chromem: query: %w", err)
		}
	}

	out := make([]memory.ChunkResult, 0, len(raw))
	for _, r := range raw {
		i, ok := sh.byDoc[r.ID]
		if !ok {
			continue
		}
		out = append(out, memory.ChunkResult{Chunk: sh.chunks[i], Similarity: float64(r.Similarity)})
	}
	return memory.TopK(out, topK), nil
}

// Count implements memory.Index.
func (idx *Index) Count(_ context.Context, filter memory.ChunkFilter) (int, error) {
	total := 0
	for _, sh := range idx.snapshot(filter) {
		sh.mu.RLock()
		total += len(sh.chunks)
		sh.mu.RUnlock()
	}
	return total, nil
}

// ChunksAfter implements memory.Index.
func (idx *Index) ChunksAfter(_ context.Context, sessionID string, afterSeq int64, limit int) ([]types.TranscriptChunk, error) {
	sh := idx.shard(sessionID)
	if sh == nil {
		return []types.TranscriptChunk{}, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := []types.TranscriptChunk{}
	for _, c := range sh.chunks {
		if c.Seq <= afterSeq {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Dimensions implements memory.Index.
func (idx *Index) Dimensions(context.Context) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dims, nil
}

// Close implements memory.Index. chromem persists on every write, so there is
// nothing to flush.
func (idx *Index) Close() error {
	return nil
}

func docID(sessionID string, seq int64) string {
	return fmt.Sprintf("%s:%010d", sessionID, seq)
}

func chunkMetadata(c types.TranscriptChunk) map[string]string {
	return map[string]string{
		"chunk_id":   c.ID,
		"session_id": c.SessionID,
		"seq":        strconv.FormatInt(c.Seq, 10),
		"ts_start":   strconv.FormatFloat(c.TsStart, 'g', -1, 64),
		"ts_end":     strconv.FormatFloat(c.TsEnd, 'g', -1, 64),
		"spoken_at":  c.SpokenAt.UTC().Format(time.RFC3339Nano),
		"entities":   strings.Join(c.Metadata.Entities, entitySep),
		"sentiment":  c.Metadata.Sentiment,
	}
}

func chunkFromDocument(doc chromem.Document) (types.TranscriptChunk, error) {
	m := doc.Metadata
	seq, err := strconv.ParseInt(m["seq"], 10, 64)
	if err != nil {
		return types.TranscriptChunk{}, fmt.Errorf("document %q: seq: %w", doc.ID, err)
	}
	tsStart, err := strconv.ParseFloat(m["ts_start"], 64)
	if err != nil {
		return types.TranscriptChunk{}, fmt.Errorf("document %q: ts_start: %w", doc.ID, err)
	}
	tsEnd, err := strconv.ParseFloat(m["ts_end"], 64)
	if err != nil {
		return types.TranscriptChunk{}, fmt.Errorf("document %q: ts_end: %w", doc.ID, err)
	}
	spokenAt, _ := time.Parse(time.RFC3339Nano, m["spoken_at"])

	var entities []string
	if e := m["entities"]; e != "" {
		entities = strings.Split(e, entitySep)
	}
	return types.TranscriptChunk{
		ID:        m["chunk_id"],
		SessionID: m["session_id"],
		Seq:       seq,
		Text:      doc.Content,
		Embedding: doc.Embedding,
		TsStart:   tsStart,
		TsEnd:     tsEnd,
		SpokenAt:  spokenAt,
		Metadata:  types.ChunkMetadata{Entities: entities, Sentiment: m["sentiment"]},
	}, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
