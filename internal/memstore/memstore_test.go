package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/memory/chromem"
	memmock "github.com/MrWong99/listenbuddy/pkg/memory/mock"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings/hash"
	embmock "github.com/MrWong99/listenbuddy/pkg/provider/embeddings/mock"
	"github.com/MrWong99/listenbuddy/pkg/types"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newStore(t *testing.T) (*Store, *chromem.Index) {
	t.Helper()
	idx, err := chromem.Open()
	if err != nil {
		t.Fatalf("chromem.Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return New(idx, hash.New(hash.DefaultDimensions), WithMetrics(testMetrics(t))), idx
}

func commit(t *testing.T, s *Store, sessionID string, ts float64, text string) types.TranscriptChunk {
	t.Helper()
	c, err := s.Commit(context.Background(), types.TranscriptChunk{
		SessionID: sessionID, Text: text, TsStart: ts, TsEnd: ts + 2,
	})
	if err != nil {
		t.Fatalf("Commit(%q): %v", text, err)
	}
	return c
}

func TestCommit_AssignsIdentityAndOrder(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	a := commit(t, s, "s1", 0, "hello world")
	b := commit(t, s, "s1", 2, "second window")
	other := commit(t, s, "s2", 0, "another session")

	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		t.Errorf("ids = %q, %q; want distinct non-empty", a.ID, b.ID)
	}
	if a.Seq != 1 || b.Seq != 2 || other.Seq != 1 {
		t.Errorf("seqs = %d, %d, %d; want 1, 2, 1", a.Seq, b.Seq, other.Seq)
	}
	if len(a.Embedding) != hash.DefaultDimensions {
		t.Errorf("embedding length = %d, want %d", len(a.Embedding), hash.DefaultDimensions)
	}
	if s.Dimensions() != hash.DefaultDimensions {
		t.Errorf("Dimensions() = %d", s.Dimensions())
	}
}

func TestCommit_ReadYourWrite(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	for i := range 20 {
		text := fmt.Sprintf("window number %d about topic%d", i, i)
		c := commit(t, s, "s1", float64(i), text)
		res, err := s.SearchText(context.Background(), text, memory.ChunkFilter{SessionID: "s1"}, 1)
		if err != nil {
			t.Fatalf("SearchText: %v", err)
		}
		if len(res) != 1 || res[0].Chunk.ID != c.ID {
			t.Fatalf("search after commit %d returned %+v, want chunk %s", i, res, c.ID)
		}
	}
}

func TestCommit_RejectsTsStartRegression(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	commit(t, s, "s1", 10, "later")
	_, err := s.Commit(context.Background(), types.TranscriptChunk{SessionID: "s1", Text: "earlier", TsStart: 5, TsEnd: 6})
	if !errors.Is(err, fault.ErrPermanentInput) {
		t.Fatalf("err = %v, want ErrPermanentInput", err)
	}

	// Equal start times are allowed.
	c := commit(t, s, "s1", 10, "same start")
	if c.Seq != 2 {
		t.Errorf("seq = %d, want 2", c.Seq)
	}
}

func TestCommit_RejectsDimensionMismatch(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	commit(t, s, "s1", 0, "fixes the dimension")
	_, err := s.Commit(context.Background(), types.TranscriptChunk{
		SessionID: "s1", Text: "short vector", TsStart: 1, TsEnd: 2, Embedding: []float32{1, 0, 0},
	})
	if !errors.Is(err, fault.ErrPermanentInput) {
		t.Fatalf("err = %v, want ErrPermanentInput", err)
	}
}

func TestCommit_InvalidInput(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	tests := []struct {
		name  string
		chunk types.TranscriptChunk
	}{
		{"no session", types.TranscriptChunk{Text: "x", TsEnd: 1}},
		{"blank text", types.TranscriptChunk{SessionID: "s1", Text: "   ", TsEnd: 1}},
		{"negative start", types.TranscriptChunk{SessionID: "s1", Text: "x", TsStart: -1}},
		{"end before start", types.TranscriptChunk{SessionID: "s1", Text: "x", TsStart: 3, TsEnd: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Commit(context.Background(), tt.chunk)
			if !errors.Is(err, fault.ErrPermanentInput) {
				t.Fatalf("err = %v, want ErrPermanentInput", err)
			}
		})
	}
}

func TestCommit_EmbedFailureIsTransient(t *testing.T) {
	t.Parallel()
	s := New(&memmock.Index{}, &embmock.Provider{EmbedErr: errors.New("connection refused")}, WithMetrics(testMetrics(t)))

	_, err := s.Commit(context.Background(), types.TranscriptChunk{SessionID: "s1", Text: "x", TsEnd: 1})
	if !errors.Is(err, fault.ErrTransientUpstream) {
		t.Fatalf("err = %v, want ErrTransientUpstream", err)
	}
}

func TestCommit_ResumesCursorFromIndex(t *testing.T) {
	t.Parallel()
	s, idx := newStore(t)
	commit(t, s, "s1", 0, "first")
	commit(t, s, "s1", 4, "second")

	fresh := New(idx, hash.New(hash.DefaultDimensions), WithMetrics(testMetrics(t)))
	_, err := fresh.Commit(context.Background(), types.TranscriptChunk{SessionID: "s1", Text: "stale", TsStart: 1, TsEnd: 2})
	if !errors.Is(err, fault.ErrPermanentInput) {
		t.Fatalf("stale commit err = %v, want ErrPermanentInput", err)
	}
	c := commit(t, fresh, "s1", 6, "third")
	if c.Seq != 3 {
		t.Errorf("seq = %d, want 3", c.Seq)
	}
}

func TestSearch_RocketsScenario(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	commit(t, s, "s1", 0, "hello world")
	spacex := commit(t, s, "s1", 5, "talking about SpaceX")
	rockets := commit(t, s, "s1", 10, "more about rockets")

	res, err := s.SearchText(context.Background(), "what did they say about rockets", memory.ChunkFilter{SessionID: "s1"}, 3)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("got %d results, want 3", len(res))
	}
	top := map[string]bool{res[0].Chunk.ID: true, res[1].Chunk.ID: true}
	if !top[spacex.ID] || !top[rockets.ID] {
		t.Errorf("top two = %s, %s; want the SpaceX and rockets chunks", res[0].Chunk.Text, res[1].Chunk.Text)
	}
	if res[2].Chunk.Text != "hello world" {
		t.Errorf("last = %q, want hello world", res[2].Chunk.Text)
	}
}

func TestSearch_SessionIsolationAndGlobal(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	commit(t, s, "s1", 0, "rockets in session one")
	commit(t, s, "s2", 0, "rockets in session two")

	res, err := s.SearchText(context.Background(), "rockets", memory.ChunkFilter{SessionID: "s2"}, 10)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	for _, r := range res {
		if r.Chunk.SessionID != "s2" {
			t.Errorf("session filter leaked chunk from %s", r.Chunk.SessionID)
		}
	}

	all, err := s.SearchText(context.Background(), "rockets", memory.ChunkFilter{}, 10)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("global search returned %d results, want 2", len(all))
	}
}

func TestSearch_InvalidArguments(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	if _, err := s.Search(context.Background(), []float32{1}, memory.ChunkFilter{}, 0); !errors.Is(err, fault.ErrPermanentInput) {
		t.Errorf("k=0 err = %v, want ErrPermanentInput", err)
	}
	if _, err := s.Search(context.Background(), nil, memory.ChunkFilter{}, 3); !errors.Is(err, fault.ErrPermanentInput) {
		t.Errorf("nil embedding err = %v, want ErrPermanentInput", err)
	}
	if _, err := s.SearchText(context.Background(), "  ", memory.ChunkFilter{}, 3); !errors.Is(err, fault.ErrPermanentInput) {
		t.Errorf("blank query err = %v, want ErrPermanentInput", err)
	}
}

func TestTranscriptAndRecent(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	for i := range 5 {
		commit(t, s, "s1", float64(i*2), fmt.Sprintf("chunk %d", i+1))
	}

	all, err := s.Transcript(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(all) != 5 || all[0].Seq != 1 || all[4].Seq != 5 {
		t.Fatalf("transcript = %+v", all)
	}

	recent, last, err := s.Recent(context.Background(), "s1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Seq != 4 || recent[1].Seq != 5 || last != 5 {
		t.Fatalf("Recent = %+v, last %d", recent, last)
	}

	since, err := s.ChunksSince(context.Background(), "s1", 3, 0)
	if err != nil {
		t.Fatalf("ChunksSince: %v", err)
	}
	if len(since) != 2 || since[0].Seq != 4 {
		t.Fatalf("ChunksSince = %+v", since)
	}

	empty, last, err := s.Recent(context.Background(), "nobody", 10)
	if err != nil || len(empty) != 0 || last != 0 {
		t.Fatalf("Recent(empty) = %v, %d, %v", empty, last, err)
	}
}

func TestCommit_ConcurrentSessionsKeepOrder(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	const sessions, perSession = 4, 15
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Go(func() {
			id := fmt.Sprintf("s%d", i)
			for j := range perSession {
				if _, err := s.Commit(context.Background(), types.TranscriptChunk{
					SessionID: id, Text: fmt.Sprintf("%s window %d", id, j), TsStart: float64(j), TsEnd: float64(j) + 1,
				}); err != nil {
					t.Errorf("Commit: %v", err)
				}
			}
		})
	}
	wg.Wait()

	for i := range sessions {
		chunks, err := s.Transcript(context.Background(), fmt.Sprintf("s%d", i))
		if err != nil {
			t.Fatalf("Transcript: %v", err)
		}
		if len(chunks) != perSession {
			t.Fatalf("session s%d has %d chunks, want %d", i, len(chunks), perSession)
		}
		for j := 1; j < len(chunks); j++ {
			if chunks[j].Seq != chunks[j-1].Seq+1 || chunks[j].TsStart < chunks[j-1].TsStart {
				t.Fatalf("session s%d out of order at %d", i, j)
			}
		}
	}
}
