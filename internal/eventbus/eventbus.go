// Package eventbus fans session events out to live subscribers.
//
// Every session has one topic. Producers (the ingestion workers, the insight
// agent, the session manager) publish into it without ever blocking; each
// subscriber owns a bounded buffer and is dropped with [ErrSlowConsumer] when
// it falls behind. A new subscriber first receives an [EventInit] carrying the
// persisted state of the session and then only live events, each tagged with a
// per-topic sequence number.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// DefaultBuffer is the per-subscriber event buffer when none is configured.
const DefaultBuffer = 64

var (
	// ErrSlowConsumer is reported by [Subscription.Err] when the subscriber's
	// buffer overflowed and the bus dropped it.
	ErrSlowConsumer = errors.New("eventbus: slow consumer dropped")

	// ErrSessionClosed is reported by [Subscription.Err] after the session's
	// final [EventClosed] has been delivered.
	ErrSessionClosed = errors.New("eventbus: session closed")
)

// EventType names the kind of an [Event].
type EventType string

const (
	// EventInit is always the first event of a subscription.
	EventInit EventType = "init"

	// EventTranscript carries a newly committed transcript chunk.
	EventTranscript EventType = "transcript"

	// EventInsight carries a newly persisted insight card.
	EventInsight EventType = "insight"

	// EventSession carries an updated session record, e.g. a new title.
	EventSession EventType = "session"

	// EventClosed is the last event of every subscription on a closed session.
	EventClosed EventType = "closed"
)

// Snapshot is the persisted state delivered in an [EventInit].
type Snapshot struct {
	Insights   []types.InsightCard     `json:"insights"`
	Transcript []types.TranscriptChunk `json:"transcript"`

	// LastSeq is the highest committed chunk Seq at snapshot time. Transcript
	// may hold only the most recent chunks, so it is carried separately.
	LastSeq int64 `json:"last_seq"`
}

// SnapshotFunc loads the persisted state of a session for a new subscriber.
type SnapshotFunc func(ctx context.Context, sessionID string) (Snapshot, error)

// Event is one message on a session topic.
type Event struct {
	// Seq increases by one with every event published on the topic. An init
	// event carries the Seq of the last event published before it.
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`

	Init    *Snapshot              `json:"init,omitempty"`
	Chunk   *types.TranscriptChunk `json:"chunk,omitempty"`
	Insight *types.InsightCard     `json:"insight,omitempty"`
	Session *types.Session         `json:"session,omitempty"`
}

// TranscriptEvent wraps a committed chunk.
func TranscriptEvent(c types.TranscriptChunk) Event {
	return Event{Type: EventTranscript, SessionID: c.SessionID, Chunk: &c}
}

// InsightEvent wraps a persisted card.
func InsightEvent(c types.InsightCard) Event {
	return Event{Type: EventInsight, SessionID: c.SessionID, Insight: &c}
}

// SessionEvent wraps an updated session record.
func SessionEvent(s types.Session) Event {
	return Event{Type: EventSession, SessionID: s.ID, Session: &s}
}

// Option configures a [Bus].
type Option func(*Bus)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithSnapshot sets the loader used to build init events. Without it, init
// events carry an empty snapshot.
func WithSnapshot(fn SnapshotFunc) Option {
	return func(b *Bus) { b.snapshot = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus is a registry of session topics. It is safe for concurrent use.
type Bus struct {
	buffer   int
	snapshot SnapshotFunc
	metrics  *observe.Metrics
	now      func() time.Time

	mu     sync.Mutex
	topics map[string]*topic
}

// New creates an empty [Bus].
func New(opts ...Option) *Bus {
	b := &Bus{
		buffer: DefaultBuffer,
		now:    time.Now,
		topics: make(map[string]*topic),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// topic is the fan-out point of one session. mu guards seq, subs, closed and
// the loading state of every subscription.
type topic struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// Open registers a topic for sessionID. Opening an existing topic is a no-op.
func (b *Bus) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[sessionID]; !ok {
		b.topics[sessionID] = &topic{subs: make(map[*Subscription]struct{})}
	}
}

func (b *Bus) topic(sessionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[sessionID]
}

// Publish delivers ev to every current subscriber of sessionID. It never
// blocks: a subscriber whose buffer is full is dropped. Events for unknown or
// closed sessions are discarded.
func (b *Bus) Publish(sessionID string, ev Event) {
	t := b.topic(sessionID)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.seq++
	ev.Seq = t.seq
	ev.SessionID = sessionID
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	for s := range t.subs {
		if !s.loading && s.seen(ev) {
			continue
		}
		// One slot stays reserved for the closing event.
		if s.queued() >= b.buffer {
			delete(t.subs, s)
			s.end(ErrSlowConsumer)
			b.metrics.EventDrops.Add(context.Background(), 1)
			b.metrics.EventSubscribers.Add(context.Background(), -1)
			slog.Warn("eventbus: dropping slow subscriber", "session_id", sessionID, "seq", ev.Seq)
			continue
		}
		s.deliver(ev)
	}
}

// Subscribe registers a subscriber on sessionID. The first event received is
// [EventInit]. The subscription ends when ctx is done, when
// [Subscription.Close] is called, when the subscriber falls behind, or when
// the session closes.
//
// The snapshot is loaded without holding the topic, so publishers keep going
// meanwhile. Events published during the load are queued and delivered after
// the init event, minus those the snapshot already contains.
//
// Unknown and closed sessions yield a fault.ErrNotFound.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	const op = "eventbus: subscribe"
	t := b.topic(sessionID)
	if t == nil {
		return nil, fault.NotFound(op, sessionID)
	}

	s := &Subscription{
		ch:      make(chan Event, b.buffer+1),
		done:    make(chan struct{}),
		loading: true,
	}
	s.unsubscribe = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[s]; ok {
			delete(t.subs, s)
			b.metrics.EventSubscribers.Add(context.Background(), -1)
			s.finish(context.Canceled)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fault.NotFound(op, sessionID)
	}
	initSeq := t.seq
	t.subs[s] = struct{}{}
	b.metrics.EventSubscribers.Add(ctx, 1)
	t.mu.Unlock()

	var snap Snapshot
	if b.snapshot != nil {
		var err error
		if snap, err = b.snapshot(ctx, sessionID); err != nil {
			t.mu.Lock()
			if _, ok := t.subs[s]; ok {
				delete(t.subs, s)
				b.metrics.EventSubscribers.Add(context.Background(), -1)
			}
			t.mu.Unlock()
			return nil, fault.Classify(op, err)
		}
	}

	t.mu.Lock()
	s.lastSeq = snap.LastSeq
	s.cards = make(map[string]struct{}, len(snap.Insights))
	for _, c := range snap.Insights {
		s.cards[c.ID] = struct{}{}
	}
	s.ch <- Event{
		Seq:       initSeq,
		Type:      EventInit,
		SessionID: sessionID,
		Time:      b.now(),
		Init:      &snap,
	}
	for _, ev := range s.pending {
		if ev.Type == EventClosed || !s.seen(ev) {
			s.ch <- ev
		}
	}
	s.pending = nil
	s.loading = false
	ended := s.endErr != nil
	if ended {
		s.finish(s.endErr)
	}
	t.mu.Unlock()

	if !ended {
		s.stop = context.AfterFunc(ctx, s.unsubscribe)
	}
	return s, nil
}

// CloseSession ends every subscription on sessionID with a final
// [EventClosed] and removes the topic. Later Subscribe calls return
// fault.ErrNotFound; later Publish calls are discarded.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	t := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.seq++
	closed := Event{Seq: t.seq, Type: EventClosed, SessionID: sessionID, Time: b.now()}
	for s := range t.subs {
		s.deliver(closed)
		s.end(ErrSessionClosed)
		b.metrics.EventSubscribers.Add(context.Background(), -1)
	}
	clear(t.subs)
}

// Subscribers returns the number of live subscriptions on sessionID.
func (b *Bus) Subscribers(sessionID string) int {
	t := b.topic(sessionID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	ch   chan Event
	done chan struct{}

	// Written under the topic lock before finish closes ch.
	err error

	// Snapshot high-water marks; live events at or below them are skipped.
	lastSeq int64
	cards   map[string]struct{}

	// While the snapshot loads, events queue in pending and an ending is
	// recorded in endErr instead of closing ch.
	loading bool
	pending []Event
	endErr  error

	unsubscribe func()
	stop        func() bool
	once        sync.Once
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err reports why the subscription ended. It is nil while the subscription
// is live.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.stop != nil {
		s.stop()
	}
	s.unsubscribe()
}

// finish closes the channel. Must be called with the topic lock held.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
		close(s.done)
	})
}

// deliver hands ev to the subscriber. Must be called with the topic lock held.
func (s *Subscription) deliver(ev Event) {
	if s.loading {
		s.pending = append(s.pending, ev)
		return
	}
	s.ch <- ev
}

// end finishes the subscription, or defers that until the init event is out.
func (s *Subscription) end(err error) {
	if s.loading {
		if s.endErr == nil {
			s.endErr = err
		}
		return
	}
	s.finish(err)
}

// queued counts events waiting for the subscriber, including the pending
// init event of a loading subscription.
func (s *Subscription) queued() int {
	if s.loading {
		return len(s.pending) + 1
	}
	return len(s.ch)
}

// seen reports whether ev was already part of the init snapshot.
func (s *Subscription) seen(ev Event) bool {
	switch {
	case ev.Chunk != nil:
		return ev.Chunk.Seq <= s.lastSeq
	case ev.Insight != nil:
		_, ok := s.cards[ev.Insight.ID]
		return ok
	default:
		return false
	}
}
