// Package mock provides in-memory test doubles for the memory layer interfaces.
//
// Each mock is a working in-memory implementation that also records every
// method call for assertion in tests and exposes exported *Err fields that
// force failures. All mocks are safe for concurrent use via an internal
// [sync.Mutex].
//
// Typical usage:
//
//	archive := &mock.Archive{}
//	archive.SaveSessionErr = errors.New("disk full")
//
//	// inject archive into the system under test …
//
//	if got := archive.CallCount("SaveSession"); got != 1 {
//	    t.Errorf("expected 1 SaveSession call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

type recorder struct {
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

func (r *recorder) count(method string) int {
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Archive mock
// ─────────────────────────────────────────────────────────────────────────────

var _ memory.Archive = (*Archive)(nil)

// Archive is an in-memory [memory.Archive].
type Archive struct {
	mu  sync.Mutex
	rec recorder

	sessions map[string]types.Session
	cards    map[string][]types.InsightCard

	// SaveSessionErr is returned by [Archive.SaveSession] when non-nil.
	SaveSessionErr error

	// GetSessionErr is returned by [Archive.GetSession] when non-nil.
	GetSessionErr error

	// ListSessionsErr is returned by [Archive.ListSessions] when non-nil.
	ListSessionsErr error

	// AppendInsightErr is returned by [Archive.AppendInsight] when non-nil.
	AppendInsightErr error

	// InsightsErr is returned by [Archive.Insights] when non-nil.
	InsightsErr error

	// PingErr is returned by [Archive.Ping] when non-nil.
	PingErr error
}

// SaveSession implements memory.Archive.
func (m *Archive) SaveSession(_ context.Context, s types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("SaveSession", s)
	if m.SaveSessionErr != nil {
		return m.SaveSessionErr
	}
	if m.sessions == nil {
		m.sessions = make(map[string]types.Session)
	}
	m.sessions[s.ID] = s
	return nil
}

// GetSession implements memory.Archive.
func (m *Archive) GetSession(_ context.Context, id string) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("GetSession", id)
	if m.GetSessionErr != nil {
		return types.Session{}, m.GetSessionErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return types.Session{}, fmt.Errorf("mock archive: session %q: %w", id, memory.ErrNotFound)
	}
	return s, nil
}

// ListSessions implements memory.Archive.
func (m *Archive) ListSessions(context.Context) ([]types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("ListSessions")
	if m.ListSessionsErr != nil {
		return nil, m.ListSessionsErr
	}
	out := make([]types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b types.Session) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out, nil
}

// AppendInsight implements memory.Archive.
func (m *Archive) AppendInsight(_ context.Context, c types.InsightCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("AppendInsight", c)
	if m.AppendInsightErr != nil {
		return m.AppendInsightErr
	}
	if m.cards == nil {
		m.cards = make(map[string][]types.InsightCard)
	}
	m.cards[c.SessionID] = append(m.cards[c.SessionID], c)
	return nil
}

// Insights implements memory.Archive.
func (m *Archive) Insights(_ context.Context, sessionID string) ([]types.InsightCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Insights", sessionID)
	if m.InsightsErr != nil {
		return nil, m.InsightsErr
	}
	return slices.Clone(m.cards[sessionID]), nil
}

// Ping implements memory.Archive.
func (m *Archive) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Ping")
	return m.PingErr
}

// Close implements memory.Archive.
func (m *Archive) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Close")
	return nil
}

// SetErr sets the named *Err field under the mock's lock. Tests use it to
// flip failures while the system under test is running.
func (m *Archive) SetErr(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "SaveSession":
		m.SaveSessionErr = err
	case "GetSession":
		m.GetSessionErr = err
	case "ListSessions":
		m.ListSessionsErr = err
	case "AppendInsight":
		m.AppendInsightErr = err
	case "Insights":
		m.InsightsErr = err
	case "Ping":
		m.PingErr = err
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Archive) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rec.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Archive) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.count(method)
}

// Reset clears recorded calls. Stored data is kept.
func (m *Archive) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.calls = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Index mock
// ─────────────────────────────────────────────────────────────────────────────

var _ memory.Index = (*Index)(nil)

// Index is an in-memory brute-force [memory.Index].
type Index struct {
	mu  sync.Mutex
	rec recorder

	chunks []types.TranscriptChunk

	// IndexChunkErr is returned by [Index.IndexChunk] when non-nil.
	IndexChunkErr error

	// SearchErr is returned by [Index.Search] when non-nil.
	SearchErr error

	// ChunksAfterErr is returned by [Index.ChunksAfter] when non-nil.
	ChunksAfterErr error
}

// IndexChunk implements memory.Index.
func (m *Index) IndexChunk(_ context.Context, c types.TranscriptChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("IndexChunk", c)
	if m.IndexChunkErr != nil {
		return m.IndexChunkErr
	}
	m.chunks = append(m.chunks, c)
	return nil
}

// Search implements memory.Index.
func (m *Index) Search(_ context.Context, embedding []float32, topK int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Search", embedding, topK, filter)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	out := []memory.ChunkResult{}
	for _, c := range m.chunks {
		if filter.SessionID != "" && c.SessionID != filter.SessionID {
			continue
		}
		out = append(out, memory.ChunkResult{Chunk: c, Similarity: cosine(embedding, c.Embedding)})
	}
	return memory.TopK(out, topK), nil
}

// Count implements memory.Index.
func (m *Index) Count(_ context.Context, filter memory.ChunkFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Count", filter)
	n := 0
	for _, c := range m.chunks {
		if filter.SessionID == "" || c.SessionID == filter.SessionID {
			n++
		}
	}
	return n, nil
}

// ChunksAfter implements memory.Index.
func (m *Index) ChunksAfter(_ context.Context, sessionID string, afterSeq int64, limit int) ([]types.TranscriptChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("ChunksAfter", sessionID, afterSeq, limit)
	if m.ChunksAfterErr != nil {
		return nil, m.ChunksAfterErr
	}
	out := []types.TranscriptChunk{}
	for _, c := range m.chunks {
		if c.SessionID != sessionID || c.Seq <= afterSeq {
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
func (m *Index) Dimensions(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.chunks) == 0 {
		return 0, nil
	}
	return len(m.chunks[0].Embedding), nil
}

// Close implements memory.Index.
func (m *Index) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.record("Close")
	return nil
}

// SetErr sets the named *Err field under the mock's lock.
func (m *Index) SetErr(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "IndexChunk":
		m.IndexChunkErr = err
	case "Search":
		m.SearchErr = err
	case "ChunksAfter":
		m.ChunksAfterErr = err
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Index) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rec.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Index) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.count(method)
}

// Reset clears recorded calls. Stored chunks are kept.
func (m *Index) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.calls = nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
