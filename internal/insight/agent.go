// Package insight runs the per-session background agent that mines the
// transcript memory for external social-context artifacts.
//
// Every open session gets its own loop. On each tick the loop reads the
// chunks committed since its cursor, extracts notes and search keywords
// through the topic model, searches the social backend per keyword and
// persists an [types.InsightCard] holding the notes and every artifact whose
// URL the session has not seen before.
//
// A tick is all-or-nothing: any failed or timed-out external call aborts it
// and leaves the cursor where it was, so the next tick retries the same
// chunks. At most one tick per session runs at a time.
package insight

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/listenbuddy/internal/eventbus"
	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/llmtask"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/provider/social"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultInterval     = 45 * time.Second
	DefaultCallTimeout  = 10 * time.Second
	DefaultMaxKeywords  = 5
	DefaultMaxArtifacts = 10
	DefaultChunkLimit   = 500
)

// ErrBusy is returned by [Agent.Trigger] while a tick of the same session is
// already running.
var ErrBusy = errors.New("insight: tick already in progress")

// Config tunes an [Agent].
type Config struct {
	// Interval between ticks of one session.
	Interval time.Duration

	// CallTimeout bounds every external call made during a tick.
	CallTimeout time.Duration

	// MaxKeywords caps the keywords searched per tick.
	MaxKeywords int

	// MaxArtifacts caps the artifacts on one card.
	MaxArtifacts int

	// KeywordSimilarity is the Jaro-Winkler threshold for collapsing
	// near-duplicate keywords. Default: [DefaultKeywordSimilarity].
	KeywordSimilarity float64

	// MinEngagement drops candidates scoring below it.
	MinEngagement float64

	// DenyURLs are glob patterns of artifact URLs never emitted.
	DenyURLs []string
}

// TopicModel extracts notes and keywords from transcript text. Implemented
// by llmtask.Tasks.
type TopicModel interface {
	Topics(ctx context.Context, transcript string) (llmtask.Topics, error)
}

// ChunkSource reads committed chunks. Implemented by memstore.Store.
type ChunkSource interface {
	ChunksSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]types.TranscriptChunk, error)
}

// CardStore persists insight cards. Implemented by memory.Archive.
type CardStore interface {
	AppendInsight(ctx context.Context, card types.InsightCard) error
	Insights(ctx context.Context, sessionID string) ([]types.InsightCard, error)
}

// Publisher announces new cards. Implemented by eventbus.Bus.
type Publisher interface {
	Publish(sessionID string, ev eventbus.Event)
}

// Option configures an [Agent].
type Option func(*Agent)

// WithPublisher sets where new cards are announced.
func WithPublisher(p Publisher) Option {
	return func(a *Agent) { a.publisher = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithClock overrides time.Now for card timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Agent owns the insight loops of all open sessions. It is safe for
// concurrent use.
type Agent struct {
	cfg       Config
	topics    TopicModel
	chunks    ChunkSource
	cards     CardStore
	searcher  social.Searcher
	publisher Publisher
	metrics   *observe.Metrics
	now       func() time.Time

	filter atomic.Pointer[Filter]

	// base is cancelled by Close and parents every loop.
	base   context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	loops map[string]*loop
	wg    sync.WaitGroup
}

// New creates an [Agent]. It fails only on an invalid deny pattern. A nil
// searcher yields cards with notes only.
func New(cfg Config, topics TopicModel, chunks ChunkSource, cards CardStore, searcher social.Searcher, opts ...Option) (*Agent, error) {
	cfg.Interval = cmp.Or(cfg.Interval, DefaultInterval)
	cfg.CallTimeout = cmp.Or(cfg.CallTimeout, DefaultCallTimeout)
	cfg.MaxKeywords = cmp.Or(cfg.MaxKeywords, DefaultMaxKeywords)
	cfg.MaxArtifacts = cmp.Or(cfg.MaxArtifacts, DefaultMaxArtifacts)
	cfg.KeywordSimilarity = cmp.Or(cfg.KeywordSimilarity, DefaultKeywordSimilarity)

	f, err := NewFilter(cfg.MinEngagement, cfg.DenyURLs)
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:      cfg,
		topics:   topics,
		chunks:   chunks,
		cards:    cards,
		searcher: searcher,
		now:      time.Now,
		base:     base,
		cancel:   cancel,
		loops:    make(map[string]*loop),
	}
	a.filter.Store(f)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// SetFilter replaces the engagement threshold and deny-list used by later
// ticks. Used by config hot reload.
func (a *Agent) SetFilter(minEngagement float64, denyURLs []string) error {
	f, err := NewFilter(minEngagement, denyURLs)
	if err != nil {
		return err
	}
	a.filter.Store(f)
	return nil
}

// loop is the insight state of one session.
type loop struct {
	id    string
	start time.Time

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	stop    chan struct{}
	once    sync.Once
	done    chan struct{}

	// ticks counts ticks in flight, timer and Trigger alike. No tick is
	// admitted once halted is set.
	mu     sync.Mutex
	halted bool
	ticks  sync.WaitGroup

	// Guarded by running.
	cursor int64
	seen   map[string]bool
}

// Start launches the loop of a session whose clock started at start. Starting
// a running loop is a no-op.
func (a *Agent) Start(sessionID string, start time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.loops[sessionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(a.base)
	l := &loop{
		id:     sessionID,
		start:  start,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	a.loops[sessionID] = l
	a.wg.Go(func() { a.run(l) })
}

// Stop ends a session's loop. No tick starts after Stop returns; a tick
// already running, timer or Trigger, may finish and commit its card until ctx ends, after which
// it is cancelled. Stopping an unknown session is a no-op.
func (a *Agent) Stop(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	l, ok := a.loops[sessionID]
	delete(a.loops, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	l.halt()

	idle := make(chan struct{})
	go func() {
		<-l.done
		l.ticks.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("insight: stop %q: %w", sessionID, ctx.Err())
	}
}

// Close cancels every loop and waits for them to exit.
func (a *Agent) Close() {
	a.mu.Lock()
	for id, l := range a.loops {
		l.halt()
		delete(a.loops, id)
	}
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

// Running reports whether sessionID has a live loop.
func (a *Agent) Running(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.loops[sessionID]
	return ok
}

// Trigger runs a tick of sessionID now, under the same single-flight guard
// as the timer. It returns the new card, or nil when the tick produced none.
func (a *Agent) Trigger(ctx context.Context, sessionID string) (*types.InsightCard, error) {
	const op = "insight: trigger"
	a.mu.Lock()
	l, ok := a.loops[sessionID]
	a.mu.Unlock()
	if !ok {
		return nil, fault.NotFound(op, sessionID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopCancel := context.AfterFunc(l.ctx, cancel)
	defer stopCancel()

	card, outcome, err := a.guardedTick(ctx, l)
	if errors.Is(err, errHalted) {
		return nil, fault.NotFound(op, sessionID)
	}
	switch outcome {
	case observe.TickSkipped:
		return nil, fault.Exhausted(op, ErrBusy)
	case observe.TickAborted:
		return nil, fault.Classify(op, err)
	}
	return card, nil
}

// halt stops the timer and admits no further ticks.
func (l *loop) halt() {
	l.once.Do(func() {
		l.mu.Lock()
		l.halted = true
		l.mu.Unlock()
		close(l.stop)
	})
}

// enter registers a tick with ticks, unless the loop is halted.
func (l *loop) enter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted {
		return false
	}
	l.ticks.Add(1)
	return true
}

var errHalted = errors.New("insight: loop stopped")

func (a *Agent) run(l *loop) {
	defer close(l.done)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			// A stop that raced with the tick wins.
			select {
			case <-l.stop:
				return
			default:
			}
			a.guardedTick(l.ctx, l)
		}
	}
}

// guardedTick runs one tick unless one is already running for the session.
func (a *Agent) guardedTick(ctx context.Context, l *loop) (card *types.InsightCard, outcome string, err error) {
	ctx = observe.WithSession(ctx, l.id)
	if !l.enter() {
		return nil, observe.TickAborted, errHalted
	}
	defer l.ticks.Done()
	if !l.running.CompareAndSwap(false, true) {
		a.metrics.RecordInsightTick(ctx, observe.TickSkipped)
		observe.Logger(ctx).Debug("insight: tick skipped, previous still running")
		return nil, observe.TickSkipped, nil
	}
	defer l.running.Store(false)

	ctx, span := observe.StartSpan(ctx, "insight.tick")
	defer func() {
		span.SetAttributes(attribute.String("outcome", outcome))
		observe.EndSpan(span, err)
	}()
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("insight: tick panic recovered", "panic", r)
			card, outcome, err = nil, observe.TickAborted, fmt.Errorf("insight: tick panic: %v", r)
			a.metrics.RecordInsightTick(ctx, outcome)
		}
	}()

	card, err = a.tick(ctx, l)
	switch {
	case err != nil:
		outcome = observe.TickAborted
		observe.Logger(ctx).Warn("insight: tick aborted", "err", err)
	case card == nil:
		outcome = observe.TickEmpty
	default:
		outcome = observe.TickRan
	}
	a.metrics.RecordInsightTick(ctx, outcome)
	return card, outcome, err
}

// call runs fn under the per-call timeout.
func call[R any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (R, error)) (R, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// tick performs one pass. It returns (nil, nil) when there was nothing new to
// report. The cursor and seen set change only when tick returns nil error.
func (a *Agent) tick(ctx context.Context, l *loop) (*types.InsightCard, error) {
	timeout := a.cfg.CallTimeout

	chunks, err := call(ctx, timeout, func(ctx context.Context) ([]types.TranscriptChunk, error) {
		return a.chunks.ChunksSince(ctx, l.id, l.cursor, DefaultChunkLimit)
	})
	if err != nil {
		return nil, fmt.Errorf("insight: read chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	lastSeq := chunks[len(chunks)-1].Seq

	if l.seen == nil {
		seen, err := call(ctx, timeout, func(ctx context.Context) (map[string]bool, error) {
			return a.loadSeen(ctx, l.id)
		})
		if err != nil {
			return nil, fmt.Errorf("insight: load cards: %w", err)
		}
		l.seen = seen
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	topics, err := call(ctx, timeout, func(ctx context.Context) (llmtask.Topics, error) {
		return a.topics.Topics(ctx, strings.Join(texts, "\n"))
	})
	if err != nil {
		return nil, fmt.Errorf("insight: topics: %w", err)
	}
	keywords := CollapseKeywords(topics.Keywords(), a.cfg.KeywordSimilarity, a.cfg.MaxKeywords)

	candidates, err := a.search(ctx, keywords)
	if err != nil {
		return nil, err
	}
	artifacts := a.filter.Load().Select(candidates, l.seen, a.cfg.MaxArtifacts)

	if len(artifacts) == 0 && len(topics.Notes) == 0 {
		l.cursor = lastSeq
		return nil, nil
	}

	now := a.now()
	card := types.InsightCard{
		ID:        uuid.NewString(),
		SessionID: l.id,
		Ts:        max(now.Sub(l.start).Seconds(), 0),
		Notes:     topics.Notes,
		Artifacts: artifacts,
		Keywords:  keywords,
		Entities:  topics.Entities,
		CreatedAt: now,
	}
	if card.Artifacts == nil {
		card.Artifacts = []types.ArtifactRef{}
	}
	if _, err := call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.cards.AppendInsight(ctx, card)
	}); err != nil {
		return nil, fmt.Errorf("insight: persist card: %w", err)
	}

	for _, art := range artifacts {
		l.seen[canonicalURL(art.URL)] = true
	}
	l.cursor = lastSeq

	if a.publisher != nil {
		a.publisher.Publish(l.id, eventbus.InsightEvent(card))
	}
	observe.Logger(ctx).Info("insight: card published",
		"card_id", card.ID, "notes", len(card.Notes), "artifacts", len(card.Artifacts))
	return &card, nil
}

// search queries every keyword concurrently. Results keep keyword order.
func (a *Agent) search(ctx context.Context, keywords []string) ([]social.Candidate, error) {
	if a.searcher == nil {
		return nil, nil
	}
	results := make([][]social.Candidate, len(keywords))
	g, gctx := errgroup.WithContext(ctx)
	for i, kw := range keywords {
		g.Go(func() error {
			res, err := call(gctx, a.cfg.CallTimeout, func(ctx context.Context) ([]social.Candidate, error) {
				return a.searcher.Search(ctx, kw)
			})
			if err != nil {
				a.metrics.RecordProviderError(ctx, "social", "social")
				return fmt.Errorf("insight: search %q: %w", kw, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []social.Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (a *Agent) loadSeen(ctx context.Context, sessionID string) (map[string]bool, error) {
	cards, err := a.cards.Insights(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, c := range cards {
		for _, art := range c.Artifacts {
			seen[canonicalURL(art.URL)] = true
		}
	}
	return seen, nil
}

// Artifacts returns the cumulative unique artifacts of cards, oldest first.
func Artifacts(cards []types.InsightCard) []types.ArtifactRef {
	seen := make(map[string]bool)
	out := []types.ArtifactRef{}
	for _, c := range cards {
		for _, art := range c.Artifacts {
			key := canonicalURL(art.URL)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, art)
		}
	}
	return out
}
