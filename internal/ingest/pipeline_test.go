package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/listenbuddy/internal/eventbus"
	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/memstore"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/internal/resilience"
	"github.com/MrWong99/listenbuddy/pkg/audio"
	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/memory/chromem"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings/hash"
	sttmock "github.com/MrWong99/listenbuddy/pkg/provider/stt/mock"
	"github.com/MrWong99/listenbuddy/pkg/types"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// 1000 Hz keeps windows small: MaxWindow is 1000 samples, SilenceGap 200.
var testConfig = Config{
	SampleRate:        1000,
	MaxWindow:         time.Second,
	SilenceGap:        200 * time.Millisecond,
	SilenceThreshold:  300,
	QueueSize:         2,
	TranscribeTimeout: 5 * time.Second,
	Retry: resilience.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	},
}

var sessionStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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

// recordingCommitter assigns sequence numbers and records every chunk.
type recordingCommitter struct {
	mu     sync.Mutex
	chunks []types.TranscriptChunk
	errs   []error
}

func (c *recordingCommitter) Commit(_ context.Context, chunk types.TranscriptChunk) (types.TranscriptChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return types.TranscriptChunk{}, err
		}
	}
	chunk.Seq = int64(len(c.chunks) + 1)
	chunk.ID = chunk.SessionID + "-" + chunk.Text
	c.chunks = append(c.chunks, chunk)
	return chunk, nil
}

func (c *recordingCommitter) Chunks() []types.TranscriptChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.TranscriptChunk(nil), c.chunks...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ string, ev eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Events() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventbus.Event(nil), p.events...)
}

type fakeAnnotator struct {
	meta types.ChunkMetadata
	err  error
}

func (a fakeAnnotator) Annotate(context.Context, string) (types.ChunkMetadata, error) {
	return a.meta, a.err
}

func newPipeline(t *testing.T, tr *sttmock.Provider, c Committer, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	return New(testConfig, tr, c, opts...)
}

func speech(n int) []byte { return audio.Tone(n, 1000) }

func submit(t *testing.T, p *Pipeline, id string, frames ...[]byte) {
	t.Helper()
	for _, f := range frames {
		if err := p.SubmitFrame(context.Background(), id, f); err != nil {
			t.Fatalf("SubmitFrame: %v", err)
		}
	}
}

func drain(t *testing.T, p *Pipeline, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Drain(ctx, id); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestSubmitFrame_Rejects(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, &sttmock.Provider{}, &recordingCommitter{})
	p.Open("s1", sessionStart)
	t.Cleanup(func() { _ = p.Drain(context.Background(), "s1") })

	tests := []struct {
		name string
		id   string
		pcm  []byte
	}{
		{name: "odd length", id: "s1", pcm: []byte{1, 2, 3}},
		{name: "unknown session", id: "nope", pcm: speech(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.SubmitFrame(context.Background(), tt.id, tt.pcm)
			if !errors.Is(err, fault.ErrPermanentInput) {
				t.Fatalf("err = %v, want ErrPermanentInput", err)
			}
		})
	}

	if err := p.SubmitFrame(context.Background(), "s1", nil); err != nil {
		t.Errorf("empty frame: %v", err)
	}
}

func TestSubmitFrame_AfterDrainRejected(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, &sttmock.Provider{}, &recordingCommitter{})
	p.Open("s1", sessionStart)
	drain(t, p, "s1")

	err := p.SubmitFrame(context.Background(), "s1", speech(10))
	if !errors.Is(err, fault.ErrPermanentInput) {
		t.Fatalf("err = %v, want ErrPermanentInput", err)
	}
	if _, ok := p.Stats("s1"); ok {
		t.Error("Stats still reports a drained session")
	}
}

func TestFlush_SilenceGapAndTimestamps(t *testing.T) {
	t.Parallel()

	tr := &sttmock.Provider{Texts: []string{"first", "second"}}
	c := &recordingCommitter{}
	pub := &recordingPublisher{}
	p := newPipeline(t, tr, c, WithPublisher(pub))
	p.Open("s1", sessionStart)

	// 300 samples of speech followed by a 200-sample gap closes the first
	// window at sample 500. The tail is flushed by Drain.
	submit(t, p, "s1", speech(300), audio.Silence(200), speech(100))
	drain(t, p, "s1")

	chunks := c.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("committed %d chunks, want 2", len(chunks))
	}
	want := []struct {
		text           string
		tsStart, tsEnd float64
		spokenAt       time.Time
	}{
		{"first", 0, 0.5, sessionStart},
		{"second", 0.5, 0.6, sessionStart.Add(500 * time.Millisecond)},
	}
	for i, w := range want {
		got := chunks[i]
		if got.Text != w.text || got.TsStart != w.tsStart || got.TsEnd != w.tsEnd {
			t.Errorf("chunk %d = {%q %v %v}, want {%q %v %v}", i, got.Text, got.TsStart, got.TsEnd, w.text, w.tsStart, w.tsEnd)
		}
		if !got.SpokenAt.Equal(w.spokenAt) {
			t.Errorf("chunk %d SpokenAt = %v, want %v", i, got.SpokenAt, w.spokenAt)
		}
	}
	for _, call := range tr.Calls {
		if call.SampleRate != 1000 {
			t.Errorf("SampleRate = %d, want 1000", call.SampleRate)
		}
	}
	if len(tr.Calls) == 2 && len(tr.Calls[0].PCM) != 500*audio.BytesPerSample {
		t.Errorf("first window = %d bytes, want %d", len(tr.Calls[0].PCM), 500*audio.BytesPerSample)
	}

	events := pub.Events()
	if len(events) != 2 {
		t.Fatalf("published %d events, want 2", len(events))
	}
	for i, ev := range events {
		if ev.Type != eventbus.EventTranscript || ev.Chunk == nil || ev.Chunk.Seq != int64(i+1) {
			t.Errorf("event %d = %+v, want transcript seq %d", i, ev, i+1)
		}
	}
}

func TestFlush_MaxWindow(t *testing.T) {
	t.Parallel()

	tr := &sttmock.Provider{Text: "long"}
	c := &recordingCommitter{}
	p := newPipeline(t, tr, c)
	p.Open("s1", sessionStart)

	// Continuous speech is cut every 1000 samples.
	submit(t, p, "s1", speech(600), speech(600), speech(600))
	drain(t, p, "s1")

	chunks := c.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("committed %d chunks, want 2", len(chunks))
	}
	if chunks[0].TsEnd != 1.2 || chunks[1].TsStart != 1.2 || chunks[1].TsEnd != 1.8 {
		t.Errorf("windows = [%v,%v] [%v,%v], want [0,1.2] [1.2,1.8]",
			chunks[0].TsStart, chunks[0].TsEnd, chunks[1].TsStart, chunks[1].TsEnd)
	}
}

func TestFlush_SilentWindowDropped(t *testing.T) {
	t.Parallel()

	tr := &sttmock.Provider{Text: "should not happen"}
	c := &recordingCommitter{}
	p := newPipeline(t, tr, c)
	p.Open("s1", sessionStart)

	submit(t, p, "s1", audio.Silence(1000), audio.Silence(300))
	stats, ok := p.Stats("s1")
	if !ok {
		t.Fatal("Stats: session not found")
	}
	drain(t, p, "s1")

	if n := tr.CallCount(); n != 0 {
		t.Errorf("transcriber called %d times, want 0", n)
	}
	if len(c.Chunks()) != 0 {
		t.Error("silent audio was committed")
	}
	if stats.Silent != 1 || stats.SubmittedSamples != 1300 || stats.Frames != 2 {
		t.Errorf("stats = %+v, want Silent=1 SubmittedSamples=1300 Frames=2", stats)
	}
}

func TestSubmitFrame_OverflowDoesNotBlock(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	tr := &sttmock.Provider{Text: "x", Gate: gate, Started: make(chan struct{}, 1)}
	c := &recordingCommitter{}
	p := newPipeline(t, tr, c)
	p.Open("s1", sessionStart)

	// The first window occupies the worker.
	submit(t, p, "s1", speech(1000))
	select {
	case <-tr.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started transcribing")
	}

	// Four more windows against a queue of two: two are evicted.
	done := make(chan error, 1)
	go func() {
		for range 4 {
			if err := p.SubmitFrame(context.Background(), "s1", speech(1000)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubmitFrame: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitFrame blocked while the transcriber was busy")
	}

	stats, _ := p.Stats("s1")
	if stats.Flushed != 5 || stats.Dropped != 2 || stats.Pending != 2 {
		t.Errorf("stats = %+v, want Flushed=5 Dropped=2 Pending=2", stats)
	}

	close(gate)
	drain(t, p, "s1")

	chunks := c.Chunks()
	if len(chunks) != 3 {
		t.Fatalf("committed %d chunks, want 3", len(chunks))
	}
	// The oldest pending windows were dropped, so the survivors are the
	// in-flight one and the two newest.
	wantStarts := []float64{0, 3, 4}
	for i, ch := range chunks {
		if ch.TsStart != wantStarts[i] {
			t.Errorf("chunk %d TsStart = %v, want %v", i, ch.TsStart, wantStarts[i])
		}
	}
}

func TestDrain_CommitsInFlightChunk(t *testing.T) {
	t.Parallel()

	idx, err := chromem.Open()
	if err != nil {
		t.Fatalf("chromem.Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	store := memstore.New(idx, hash.New(hash.DefaultDimensions), memstore.WithMetrics(testMetrics(t)))

	gate := make(chan struct{})
	tr := &sttmock.Provider{Text: "the launch window opens at dawn", Gate: gate, Started: make(chan struct{}, 1)}
	p := newPipeline(t, tr, store)
	p.Open("s1", sessionStart)

	submit(t, p, "s1", speech(400))

	drained := make(chan error, 1)
	go func() { drained <- p.Drain(context.Background(), "s1") }()

	select {
	case <-tr.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("transcription never started")
	}
	select {
	case err := <-drained:
		t.Fatalf("Drain returned before the in-flight window finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not return")
	}

	res, err := store.SearchText(context.Background(), "the launch window opens at dawn", memory.ChunkFilter{SessionID: "s1"}, 5)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(res) != 1 || res[0].Chunk.Text != "the launch window opens at dawn" {
		t.Fatalf("search after close = %+v, want the in-flight chunk", res)
	}
}

func TestDrain_ContextExpires(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	tr := &sttmock.Provider{Text: "x", Gate: gate}
	p := newPipeline(t, tr, &recordingCommitter{})
	p.Open("s1", sessionStart)
	submit(t, p, "s1", speech(1000))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Drain(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain err = %v, want DeadlineExceeded", err)
	}
	if _, ok := p.Stats("s1"); ok {
		t.Error("unit still registered after Drain")
	}
}

func TestWorker_Outcomes(t *testing.T) {
	t.Parallel()

	transient := fault.Transient("stt", errors.New("503"))
	permanent := fault.PermanentInput("stt", errors.New("bad audio"))

	tests := []struct {
		name          string
		tr            *sttmock.Provider
		commitErrs    []error
		wantCalls     int
		wantCommitted int64
		wantFailures  int64
		wantEmpty     int64
	}{
		{
			name:          "transient transcribe retried",
			tr:            &sttmock.Provider{Errs: []error{transient}, Text: "ok"},
			wantCalls:     2,
			wantCommitted: 1,
		},
		{
			name:         "permanent transcribe not retried",
			tr:           &sttmock.Provider{Err: permanent},
			wantCalls:    1,
			wantFailures: 1,
		},
		{
			name:         "transient exhausts attempts",
			tr:           &sttmock.Provider{Err: transient},
			wantCalls:    3,
			wantFailures: 1,
		},
		{
			name:      "blank transcription skipped",
			tr:        &sttmock.Provider{Text: "   "},
			wantCalls: 1,
			wantEmpty: 1,
		},
		{
			name:          "transient commit retried",
			tr:            &sttmock.Provider{Text: "ok"},
			commitErrs:    []error{transient},
			wantCalls:     1,
			wantCommitted: 1,
		},
		{
			name:         "permanent commit dropped",
			tr:           &sttmock.Provider{Text: "ok"},
			commitErrs:   []error{permanent},
			wantCalls:    1,
			wantFailures: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &recordingCommitter{errs: tt.commitErrs}
			p := newPipeline(t, tt.tr, c)
			p.Open("s1", sessionStart)
			submit(t, p, "s1", speech(1000))

			// Drain removes the unit, so read stats once the worker is idle.
			deadline := time.Now().Add(5 * time.Second)
			var stats Stats
			for time.Now().Before(deadline) {
				stats, _ = p.Stats("s1")
				if stats.Committed+stats.Failures+stats.Empty > 0 {
					break
				}
				time.Sleep(time.Millisecond)
			}
			drain(t, p, "s1")

			if n := tt.tr.CallCount(); n != tt.wantCalls {
				t.Errorf("transcribe calls = %d, want %d", n, tt.wantCalls)
			}
			if stats.Committed != tt.wantCommitted || stats.Failures != tt.wantFailures || stats.Empty != tt.wantEmpty {
				t.Errorf("stats = %+v, want Committed=%d Failures=%d Empty=%d",
					stats, tt.wantCommitted, tt.wantFailures, tt.wantEmpty)
			}
		})
	}
}

func TestWorker_TranscribeTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	tr := &sttmock.Provider{Text: "x", Gate: gate}
	cfg := testConfig
	cfg.TranscribeTimeout = 5 * time.Millisecond
	p := New(cfg, tr, &recordingCommitter{}, WithMetrics(testMetrics(t)))

	_, err := p.transcribe(context.Background(), speech(10))
	if !errors.Is(err, fault.ErrTransientUpstream) {
		t.Fatalf("err = %v, want ErrTransientUpstream", err)
	}
}

func TestWorker_Annotation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ann  fakeAnnotator
		want types.ChunkMetadata
	}{
		{
			name: "metadata attached",
			ann:  fakeAnnotator{meta: types.ChunkMetadata{Entities: []string{"SpaceX"}, Sentiment: "positive"}},
			want: types.ChunkMetadata{Entities: []string{"SpaceX"}, Sentiment: "positive"},
		},
		{
			name: "failure leaves metadata empty",
			ann:  fakeAnnotator{err: errors.New("model down")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &recordingCommitter{}
			p := newPipeline(t, &sttmock.Provider{Text: "SpaceX launched"}, c, WithAnnotator(tt.ann))
			p.Open("s1", sessionStart)
			submit(t, p, "s1", speech(100))
			drain(t, p, "s1")

			chunks := c.Chunks()
			if len(chunks) != 1 {
				t.Fatalf("committed %d chunks, want 1", len(chunks))
			}
			got := chunks[0].Metadata
			if got.Sentiment != tt.want.Sentiment || len(got.Entities) != len(tt.want.Entities) {
				t.Errorf("metadata = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSubmitFrame_ReportsActivity(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]int{}
	p := newPipeline(t, &sttmock.Provider{}, &recordingCommitter{}, WithActivity(func(id string) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
	}))
	p.Open("s1", sessionStart)
	p.Open("s1", sessionStart.Add(time.Hour)) // no-op
	submit(t, p, "s1", audio.Silence(10), audio.Silence(10))
	drain(t, p, "s1")

	mu.Lock()
	defer mu.Unlock()
	if seen["s1"] != 2 {
		t.Errorf("activity = %d, want 2", seen["s1"])
	}
}
