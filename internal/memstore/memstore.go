// Package memstore is the commit and query front of the listenbuddy memory.
//
// A [Store] embeds transcript text, assigns chunk identity and per-session
// order, enforces the store-wide embedding dimension, and writes into a
// [memory.Index] backend. Commits within one session are serialised by that
// session's lock; different sessions never contend. Searches go straight to
// the index, which fans out over its own per-session shards.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Option configures a [Store].
type Option func(*Store)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store implements the memory operations used by ingestion, retrieval and the
// insight agent. It is safe for concurrent use.
type Store struct {
	index    memory.Index
	embedder embeddings.Provider
	metrics  *observe.Metrics

	mu     sync.Mutex
	shards map[string]*shard

	dimsMu sync.Mutex
	dims   int
}

// shard is the commit state of one session. mu serialises commits.
type shard struct {
	mu          sync.Mutex
	loaded      bool
	lastSeq     int64
	lastTsStart float64
}

// New returns a Store writing into index and embedding with embedder.
func New(index memory.Index, embedder embeddings.Provider, opts ...Option) *Store {
	s := &Store{
		index:    index,
		embedder: embedder,
		shards:   make(map[string]*shard),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

func (s *Store) shard(sessionID string) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[sessionID]
	if !ok {
		sh = &shard{}
		s.shards[sessionID] = sh
	}
	return sh
}

// Release forgets the commit state of a session. A later commit reloads it
// from the index.
func (s *Store) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shards, sessionID)
}

// Commit embeds chunk.Text (unless chunk.Embedding is already set), assigns
// ID and Seq, and writes the chunk into the index. Once Commit returns, every
// later Search observes the chunk.
//
// A TsStart earlier than the session's last committed chunk, empty text, or
// an embedding whose length differs from the store's is a
// fault.ErrPermanentInput.
func (s *Store) Commit(ctx context.Context, chunk types.TranscriptChunk) (_ types.TranscriptChunk, err error) {
	const op = "memstore: commit"
	start := time.Now()
	ctx, span := observe.StartSpan(observe.WithSession(ctx, chunk.SessionID), "memstore.commit")
	defer func() { observe.EndSpan(span, err) }()

	chunk.Text = strings.TrimSpace(chunk.Text)
	switch {
	case chunk.SessionID == "":
		return chunk, fault.PermanentInput(op, errors.New("missing session id"))
	case chunk.Text == "":
		return chunk, fault.PermanentInput(op, errors.New("empty text"))
	case chunk.TsStart < 0 || chunk.TsEnd < chunk.TsStart:
		return chunk, fault.PermanentInput(op, fmt.Errorf("invalid time span [%g, %g]", chunk.TsStart, chunk.TsEnd))
	}

	if len(chunk.Embedding) == 0 {
		emb, err := s.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			return chunk, fault.Classify(op, fmt.Errorf("embed: %w", err))
		}
		chunk.Embedding = emb
	}
	if err := s.checkDims(ctx, len(chunk.Embedding)); err != nil {
		return chunk, err
	}

	sh := s.shard(chunk.SessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := s.load(ctx, sh, chunk.SessionID); err != nil {
		return chunk, err
	}
	if chunk.TsStart < sh.lastTsStart {
		return chunk, fault.PermanentInput(op, fmt.Errorf("ts_start %g precedes last committed %g in session %q", chunk.TsStart, sh.lastTsStart, chunk.SessionID))
	}

	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	chunk.Seq = sh.lastSeq + 1
	if err := s.index.IndexChunk(ctx, chunk); err != nil {
		return chunk, fault.Classify(op, err)
	}
	sh.lastSeq = chunk.Seq
	sh.lastTsStart = chunk.TsStart

	observe.Since(ctx, s.metrics.CommitDuration, start)
	observe.Logger(ctx).Debug("chunk committed",
		"chunk_id", chunk.ID,
		"seq", chunk.Seq,
		"ts_start", chunk.TsStart,
	)
	return chunk, nil
}

// load restores a session's commit cursor from the index. Must be called
// with sh.mu held.
func (s *Store) load(ctx context.Context, sh *shard, sessionID string) error {
	if sh.loaded {
		return nil
	}
	n, err := s.index.Count(ctx, memory.ChunkFilter{SessionID: sessionID})
	if err != nil {
		return fault.Classify("memstore: load", err)
	}
	if n > 0 {
		last, err := s.index.ChunksAfter(ctx, sessionID, int64(n-1), 1)
		if err != nil {
			return fault.Classify("memstore: load", err)
		}
		if len(last) > 0 {
			sh.lastSeq = last[0].Seq
			sh.lastTsStart = last[0].TsStart
		}
	}
	sh.loaded = true
	return nil
}

// checkDims fixes the store dimension on first use and rejects mismatches.
func (s *Store) checkDims(ctx context.Context, n int) error {
	const op = "memstore: commit"
	if n == 0 {
		return fault.PermanentInput(op, errors.New("empty embedding"))
	}

	s.dimsMu.Lock()
	defer s.dimsMu.Unlock()
	if s.dims == 0 {
		d, err := s.index.Dimensions(ctx)
		if err != nil {
			return fault.Classify(op, err)
		}
		if d == 0 {
			d = n
		}
		s.dims = d
	}
	if n != s.dims {
		return fault.PermanentInput(op, fmt.Errorf("embedding has %d dimensions, store uses %d", n, s.dims))
	}
	return nil
}

// Search returns at most k chunks similar to embedding, most similar first,
// ties broken by newer TsStart. A session filter never returns another
// session's chunks; an empty filter searches every session.
func (s *Store) Search(ctx context.Context, embedding []float32, filter memory.ChunkFilter, k int) (res []memory.ChunkResult, err error) {
	const op = "memstore: search"
	if k <= 0 {
		return nil, fault.PermanentInput(op, fmt.Errorf("k must be positive, got %d", k))
	}
	if len(embedding) == 0 {
		return nil, fault.PermanentInput(op, errors.New("empty query embedding"))
	}
	start := time.Now()
	ctx, span := observe.StartSpan(observe.WithSession(ctx, filter.SessionID), "memstore.search")
	defer func() { observe.EndSpan(span, err) }()
	res, err = s.index.Search(ctx, embedding, k, filter)
	if err != nil {
		return nil, fault.Classify(op, err)
	}
	memory.SortResults(res)
	observe.Since(ctx, s.metrics.SearchDuration, start)
	return res, nil
}

// SearchText embeds query and calls [Store.Search].
func (s *Store) SearchText(ctx context.Context, query string, filter memory.ChunkFilter, k int) ([]memory.ChunkResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fault.PermanentInput("memstore: search", errors.New("empty query"))
	}
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fault.Classify("memstore: search", fmt.Errorf("embed query: %w", err))
	}
	return s.Search(ctx, emb, filter, k)
}

// Count returns the number of chunks matching filter.
func (s *Store) Count(ctx context.Context, filter memory.ChunkFilter) (int, error) {
	n, err := s.index.Count(ctx, filter)
	if err != nil {
		return 0, fault.Classify("memstore: count", err)
	}
	return n, nil
}

// ChunksSince returns a session's chunks with Seq > afterSeq in commit order.
// limit <= 0 means no limit.
func (s *Store) ChunksSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]types.TranscriptChunk, error) {
	out, err := s.index.ChunksAfter(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fault.Classify("memstore: chunks since", err)
	}
	return out, nil
}

// Transcript returns every chunk of a session in commit order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]types.TranscriptChunk, error) {
	return s.ChunksSince(ctx, sessionID, 0, 0)
}

// Recent returns up to n of a session's latest chunks in commit order, and
// the Seq of the latest committed chunk.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]types.TranscriptChunk, int64, error) {
	total, err := s.Count(ctx, memory.ChunkFilter{SessionID: sessionID})
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []types.TranscriptChunk{}, 0, nil
	}
	after := int64(max(total-n, 0))
	chunks, err := s.ChunksSince(ctx, sessionID, after, n)
	if err != nil {
		return nil, 0, err
	}
	last := int64(total)
	if len(chunks) > 0 {
		last = chunks[len(chunks)-1].Seq
	}
	return chunks, last, nil
}

// Dimensions returns the embedding length the store accepts, or 0 before the
// first commit into an empty index.
func (s *Store) Dimensions() int {
	s.dimsMu.Lock()
	defer s.dimsMu.Unlock()
	return s.dims
}

// Ping verifies the index answers a count query.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.index.Count(ctx, memory.ChunkFilter{SessionID: "\x00ping"})
	return err
}
