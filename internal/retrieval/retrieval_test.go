package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/memstore"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/memory/chromem"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings/hash"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	llmmock "github.com/MrWong99/listenbuddy/pkg/provider/llm/mock"
	"github.com/MrWong99/listenbuddy/pkg/types"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type fakeSessions map[string]types.Session

func (f fakeSessions) Get(_ context.Context, id string) (types.Session, error) {
	s, ok := f[id]
	if !ok {
		return types.Session{}, fault.NotFound("session: get", id)
	}
	return s, nil
}

// fixedCounter charges the same number of tokens for every text.
type fixedCounter int

func (c fixedCounter) Count(string) int { return int(c) }

var (
	t0       = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions = fakeSessions{
		"s1":    {ID: "s1", StartTime: t0},
		"s2":    {ID: "s2", StartTime: t0.Add(time.Hour)},
		"empty": {ID: "empty", StartTime: t0},
	}
)

type fixture struct {
	store *memstore.Store
	llm   *llmmock.Provider
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	idx, err := chromem.Open()
	if err != nil {
		t.Fatalf("chromem.Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return fixture{
		store: memstore.New(idx, hash.New(hash.DefaultDimensions), memstore.WithMetrics(testMetrics(t))),
		llm:   &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " They said rockets are reusable now. "}},
	}
}

func (f fixture) commit(t *testing.T, sessionID string, ts float64, text string) types.TranscriptChunk {
	t.Helper()
	c, err := f.store.Commit(context.Background(), types.TranscriptChunk{
		SessionID: sessionID, Text: text, TsStart: ts, TsEnd: ts + 2,
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return c
}

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

func (f fixture) orchestrator(t *testing.T, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	return New(cfg, f.store, sessions, f.llm, opts...)
}

func TestAnswer_GroundedOnRelevantChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hello := f.commit(t, "s1", 0, "hello world")
	spacex := f.commit(t, "s1", 5, "talking about SpaceX")
	rockets := f.commit(t, "s1", 10, "more about rockets")

	ans, err := f.orchestrator(t, Config{}).Answer(context.Background(), "s1", "what did they say about rockets")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.NoContext || ans.Text != "They said rockets are reusable now." {
		t.Errorf("answer = %+v", ans)
	}
	if len(ans.UsedChunkIDs) != 3 {
		t.Fatalf("used %d chunks, want 3", len(ans.UsedChunkIDs))
	}
	top := map[string]bool{ans.UsedChunkIDs[0]: true, ans.UsedChunkIDs[1]: true}
	if !top[spacex.ID] || !top[rockets.ID] || ans.UsedChunkIDs[2] != hello.ID {
		t.Errorf("used ids = %v, want SpaceX and rockets ahead of hello", ans.UsedChunkIDs)
	}

	calls := f.llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(calls))
	}
	content := calls[0].Req.Messages[0].Content
	iHello := strings.Index(content, "hello world")
	iSpaceX := strings.Index(content, "talking about SpaceX")
	iRockets := strings.Index(content, "more about rockets")
	if iHello < 0 || iHello > iSpaceX || iSpaceX > iRockets {
		t.Errorf("context not in chronological order:\n%s", content)
	}
	if !strings.Contains(content, "[0:10] more about rockets") {
		t.Errorf("context lacks offsets:\n%s", content)
	}
	if !strings.HasSuffix(content, "Question: what did they say about rockets") {
		t.Errorf("question missing:\n%s", content)
	}
}

func TestAnswer_WithoutModelReturnsExcerpts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.commit(t, "s1", 0, "hello world")
	rockets := f.commit(t, "s1", 65, "more about rockets")

	o := New(Config{TopK: 1}, f.store, sessions, nil, WithMetrics(testMetrics(t)))
	ans, err := o.Answer(context.Background(), "s1", "rockets")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.NoContext {
		t.Error("NoContext = true, want false")
	}
	if ans.Text != "[1:05] more about rockets" {
		t.Errorf("Text = %q", ans.Text)
	}
	if len(ans.UsedChunkIDs) != 1 || ans.UsedChunkIDs[0] != rockets.ID {
		t.Errorf("UsedChunkIDs = %v, want [%s]", ans.UsedChunkIDs, rockets.ID)
	}
}

func TestAnswer_NoContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.commit(t, "s1", 0, "something in another session")

	ans, err := f.orchestrator(t, Config{}).Answer(context.Background(), "empty", "anything?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !ans.NoContext || ans.Text != NoContextAnswer || len(ans.UsedChunkIDs) != 0 {
		t.Errorf("answer = %+v, want the no-context reply", ans)
	}
	if n := f.llm.CallCount(); n != 0 {
		t.Errorf("Complete called %d times, want 0", n)
	}
}

func TestAnswer_NoContextAcrossAllSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ans, err := f.orchestrator(t, Config{}).Answer(context.Background(), "", "anything?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !ans.NoContext || f.llm.CallCount() != 0 {
		t.Errorf("answer = %+v, calls = %d", ans, f.llm.CallCount())
	}
}

func TestAnswer_Errors(t *testing.T) {
	t.Parallel()

	blocking := func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	tests := []struct {
		name      string
		sessionID string
		query     string
		mock      *llmmock.Provider
		want      error
		wantCalls int
	}{
		{name: "unknown session", sessionID: "ghost", query: "q", mock: &llmmock.Provider{}, want: fault.ErrNotFound},
		{name: "empty query", sessionID: "s1", query: "  ", mock: &llmmock.Provider{}, want: fault.ErrPermanentInput},
		{
			name: "model failure", sessionID: "s1", query: "rockets",
			mock: &llmmock.Provider{CompleteErr: errors.New("503 from upstream")},
			want: fault.ErrTransientUpstream, wantCalls: 1,
		},
		{
			name: "model rejects input", sessionID: "s1", query: "rockets",
			mock: &llmmock.Provider{CompleteErr: fault.PermanentInput("llm", errors.New("400"))},
			want: fault.ErrPermanentInput, wantCalls: 1,
		},
		{
			name: "model timeout", sessionID: "s1", query: "rockets",
			mock: &llmmock.Provider{CompleteFunc: blocking},
			want: fault.ErrTransientUpstream, wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.commit(t, "s1", 0, "rockets are loud")
			f.llm = tt.mock

			o := f.orchestrator(t, Config{Timeout: 50 * time.Millisecond})
			_, err := o.Answer(context.Background(), tt.sessionID, tt.query)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if n := tt.mock.CallCount(); n != tt.wantCalls {
				t.Errorf("Complete called %d times, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestAnswer_TokenBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.commit(t, "s1", 0, "rockets one")
	f.commit(t, "s1", 2, "rockets two")
	f.commit(t, "s1", 4, "rockets three")

	tests := []struct {
		name   string
		budget int
		want   int
	}{
		{name: "room for two", budget: 25, want: 2},
		{name: "top chunk always kept", budget: 1, want: 1},
		{name: "room for all", budget: 100, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := f.orchestrator(t, Config{MaxContextTokens: tt.budget}, WithTokenizer(fixedCounter(10)))
			ans, err := o.Answer(context.Background(), "s1", "rockets")
			if err != nil {
				t.Fatalf("Answer: %v", err)
			}
			if len(ans.UsedChunkIDs) != tt.want {
				t.Errorf("used %d chunks, want %d", len(ans.UsedChunkIDs), tt.want)
			}
		})
	}
}

func TestAnswer_AcrossSessionsOrdersBySessionStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// s2 started an hour after s1, so its chunk comes later even though its
	// offset is smaller.
	f.commit(t, "s2", 1, "rockets in the afternoon")
	f.commit(t, "s1", 50, "rockets in the morning")

	ans, err := f.orchestrator(t, Config{}).Answer(context.Background(), "", "rockets")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(ans.UsedChunkIDs) != 2 {
		t.Fatalf("used %d chunks, want 2", len(ans.UsedChunkIDs))
	}
	content := f.llm.Calls()[0].Req.Messages[0].Content
	if strings.Index(content, "morning") > strings.Index(content, "afternoon") {
		t.Errorf("cross-session context out of order:\n%s", content)
	}
	if !strings.Contains(content, "[s1 0:50]") {
		t.Errorf("cross-session context lacks session labels:\n%s", content)
	}
}

func TestOffset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0:00"},
		{9.9, "0:09"},
		{75, "1:15"},
		{3725, "1:02:05"},
	}
	for _, tt := range tests {
		if got := Offset(tt.in); got != tt.want {
			t.Errorf("Offset(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
