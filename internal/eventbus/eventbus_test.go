package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/types"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(append([]Option{WithMetrics(m)}, opts...)...)
}

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("channel closed, err = %v", s.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func chunk(session string, seq int64) types.TranscriptChunk {
	return types.TranscriptChunk{ID: "c" + string(rune('0'+seq)), SessionID: session, Seq: seq, Text: "x"}
}

func TestSubscribe_InitThenLive(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, WithSnapshot(func(_ context.Context, id string) (Snapshot, error) {
		return Snapshot{
			Insights:   []types.InsightCard{{ID: "card-1", SessionID: id}},
			Transcript: []types.TranscriptChunk{chunk(id, 1)},
			LastSeq:    1,
		}, nil
	}))
	b.Open("s1")
	b.Publish("s1", TranscriptEvent(chunk("s1", 1)))

	sub, err := b.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	init := recv(t, sub)
	if init.Type != EventInit || init.Init == nil {
		t.Fatalf("first event = %+v, want init", init)
	}
	if init.Seq != 1 {
		t.Errorf("init seq = %d, want 1", init.Seq)
	}
	if len(init.Init.Insights) != 1 || len(init.Init.Transcript) != 1 {
		t.Errorf("snapshot = %+v", init.Init)
	}

	b.Publish("s1", TranscriptEvent(chunk("s1", 2)))
	ev := recv(t, sub)
	if ev.Type != EventTranscript || ev.Chunk.Seq != 2 || ev.Seq != 2 {
		t.Fatalf("live event = %+v, want transcript seq 2", ev)
	}
}

func TestSubscribe_SkipsEventsAlreadyInSnapshot(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, WithSnapshot(func(_ context.Context, id string) (Snapshot, error) {
		return Snapshot{
			Insights: []types.InsightCard{{ID: "card-1", SessionID: id}},
			LastSeq:  3,
		}, nil
	}))
	b.Open("s1")
	sub, err := b.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	recv(t, sub) // init

	// Persisted before the snapshot, published after it.
	b.Publish("s1", TranscriptEvent(chunk("s1", 3)))
	b.Publish("s1", InsightEvent(types.InsightCard{ID: "card-1", SessionID: "s1"}))
	b.Publish("s1", InsightEvent(types.InsightCard{ID: "card-2", SessionID: "s1"}))

	ev := recv(t, sub)
	if ev.Type != EventInsight || ev.Insight.ID != "card-2" {
		t.Fatalf("event = %+v, want only card-2", ev)
	}
}

// gatedSnapshot blocks every load until release is closed. loading receives
// a value when a load starts.
func gatedSnapshot(snap Snapshot) (fn SnapshotFunc, loading chan struct{}, release chan struct{}) {
	loading = make(chan struct{}, 1)
	release = make(chan struct{})
	fn = func(ctx context.Context, _ string) (Snapshot, error) {
		loading <- struct{}{}
		select {
		case <-release:
			return snap, nil
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	return fn, loading, release
}

type subscribeResult struct {
	sub *Subscription
	err error
}

func subscribeAsync(b *Bus, sessionID string) <-chan subscribeResult {
	out := make(chan subscribeResult, 1)
	go func() {
		sub, err := b.Subscribe(context.Background(), sessionID)
		out <- subscribeResult{sub, err}
	}()
	return out
}

func TestPublish_NotBlockedBySnapshotLoad(t *testing.T) {
	t.Parallel()

	fn, loading, release := gatedSnapshot(Snapshot{
		Transcript: []types.TranscriptChunk{chunk("s1", 1)},
		LastSeq:    1,
	})
	b := newTestBus(t, WithSnapshot(fn))
	b.Open("s1")
	res := subscribeAsync(b, "s1")
	<-loading

	published := make(chan struct{})
	go func() {
		defer close(published)
		// Chunk 1 made it into the snapshot, chunk 2 did not.
		b.Publish("s1", TranscriptEvent(chunk("s1", 1)))
		b.Publish("s1", TranscriptEvent(chunk("s1", 2)))
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked while a snapshot was loading")
	}
	close(release)

	r := <-res
	if r.err != nil {
		t.Fatalf("Subscribe: %v", r.err)
	}
	defer r.sub.Close()

	init := recv(t, r.sub)
	if init.Type != EventInit || init.Seq != 0 {
		t.Fatalf("first event = %+v, want init at seq 0", init)
	}
	ev := recv(t, r.sub)
	if ev.Type != EventTranscript || ev.Chunk.Seq != 2 || ev.Seq != 2 {
		t.Fatalf("event = %+v, want only chunk 2", ev)
	}
	select {
	case extra := <-r.sub.Events():
		t.Errorf("unexpected event %+v", extra)
	default:
	}
}

func TestCloseSession_DuringSnapshotLoad(t *testing.T) {
	t.Parallel()

	fn, loading, release := gatedSnapshot(Snapshot{})
	b := newTestBus(t, WithSnapshot(fn))
	b.Open("s1")
	res := subscribeAsync(b, "s1")
	<-loading

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		b.CloseSession("s1")
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("CloseSession blocked while a snapshot was loading")
	}
	close(release)

	r := <-res
	if r.err != nil {
		t.Fatalf("Subscribe: %v", r.err)
	}
	var got []EventType
	for ev := range r.sub.Events() {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != EventInit || got[1] != EventClosed {
		t.Fatalf("events = %v, want [init closed]", got)
	}
	if !errors.Is(r.sub.Err(), ErrSessionClosed) {
		t.Errorf("Err() = %v, want ErrSessionClosed", r.sub.Err())
	}
}

func TestPublish_SlowWhileSnapshotLoads(t *testing.T) {
	t.Parallel()

	fn, loading, release := gatedSnapshot(Snapshot{})
	b := newTestBus(t, WithBuffer(2), WithSnapshot(fn))
	b.Open("s1")
	res := subscribeAsync(b, "s1")
	<-loading

	for i := int64(1); i <= 3; i++ {
		b.Publish("s1", TranscriptEvent(chunk("s1", i)))
	}
	if n := b.Subscribers("s1"); n != 0 {
		t.Errorf("subscribers = %d, want the loading one dropped", n)
	}
	close(release)

	r := <-res
	if r.err != nil {
		t.Fatalf("Subscribe: %v", r.err)
	}
	var got []EventType
	for ev := range r.sub.Events() {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != EventInit || got[1] != EventTranscript {
		t.Errorf("events = %v, want [init transcript]", got)
	}
	if !errors.Is(r.sub.Err(), ErrSlowConsumer) {
		t.Errorf("Err() = %v, want ErrSlowConsumer", r.sub.Err())
	}
}

func TestSubscribe_UnknownSessionNotFound(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	_, err := b.Subscribe(context.Background(), "missing")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubscribe_ClosedSessionNotFound(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	b.Open("s1")
	b.CloseSession("s1")
	_, err := b.Subscribe(context.Background(), "s1")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubscribe_SnapshotErrorClassified(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, WithSnapshot(func(context.Context, string) (Snapshot, error) {
		return Snapshot{}, errors.New("archive down")
	}))
	b.Open("s1")
	_, err := b.Subscribe(context.Background(), "s1")
	if !errors.Is(err, fault.ErrTransientUpstream) {
		t.Fatalf("err = %v, want ErrTransientUpstream", err)
	}
	if n := b.Subscribers("s1"); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestPublish_SlowConsumerDropped(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, WithBuffer(2))
	b.Open("s1")
	slow, err := b.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fast, err := b.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer fast.Close()
	recv(t, fast) // init

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 5; i++ {
			b.Publish("s1", TranscriptEvent(chunk("s1", i)))
			<-fast.Events()
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// init + one live event fill the slow buffer, the next publish drops it.
	var got []EventType
	for ev := range slow.Events() {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != EventInit || got[1] != EventTranscript {
		t.Errorf("slow events = %v, want [init transcript]", got)
	}
	if !errors.Is(slow.Err(), ErrSlowConsumer) {
		t.Errorf("Err() = %v, want ErrSlowConsumer", slow.Err())
	}
	if n := b.Subscribers("s1"); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}
}

func TestCloseSession_SendsClosedEvent(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, WithBuffer(1))
	b.Open("s1")
	sub, err := b.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The buffer is full with init, the closed event still fits.
	b.CloseSession("s1")

	var got []EventType
	for ev := range sub.Events() {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[1] != EventClosed {
		t.Fatalf("events = %v, want [init closed]", got)
	}
	if !errors.Is(sub.Err(), ErrSessionClosed) {
		t.Errorf("Err() = %v, want ErrSessionClosed", sub.Err())
	}

	// Publishing after close is a no-op.
	b.Publish("s1", TranscriptEvent(chunk("s1", 1)))
}

func TestSubscribe_ContextCancelUnsubscribes(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	b.Open("s1")
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for range sub.Events() {
		select {
		case <-deadline:
			t.Fatal("subscription not ended by cancel")
		default:
		}
	}
	if !errors.Is(sub.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", sub.Err())
	}
	if n := b.Subscribers("s1"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	b.Open("s1")
	sub, err := b.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Err() != nil {
		t.Fatalf("Err() on live subscription = %v", sub.Err())
	}
	sub.Close()
	sub.Close()
	b.CloseSession("s1")
}
