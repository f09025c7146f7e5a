// Package ingest turns streamed audio frames into committed transcript chunks.
//
// Every Open session owns one unit: a PCM buffer, a bounded queue of flushed
// windows and a worker goroutine. SubmitFrame only appends to the buffer and
// may enqueue a window; it never waits on the transcriber. The worker pulls
// windows in order, transcribes them, optionally annotates the text, commits
// the chunk to memory and publishes it.
//
// A window is flushed when it reaches the maximum length, when speech is
// followed by a long enough silence gap, or when the session drains. Windows
// that never crossed the energy threshold are dropped without transcription.
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/listenbuddy/internal/eventbus"
	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/internal/resilience"
	"github.com/MrWong99/listenbuddy/pkg/audio"
	"github.com/MrWong99/listenbuddy/pkg/provider/stt"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultMaxWindow         = 8 * time.Second
	DefaultSilenceGap        = 800 * time.Millisecond
	DefaultSilenceThreshold  = 300
	DefaultQueueSize         = 4
	DefaultTranscribeTimeout = 20 * time.Second
	DefaultAnnotateTimeout   = 10 * time.Second
)

// Config tunes a [Pipeline].
type Config struct {
	// SampleRate of submitted PCM. Default: 16000.
	SampleRate int

	// MaxWindow flushes a window once it holds this much audio.
	MaxWindow time.Duration

	// SilenceGap flushes a window after speech followed by this much silence.
	SilenceGap time.Duration

	// SilenceThreshold is the RMS level on int16 samples below which a frame
	// counts as silence.
	SilenceThreshold float64

	// QueueSize bounds the flushed windows waiting for the worker.
	QueueSize int

	// TranscribeTimeout bounds each transcriber call.
	TranscribeTimeout time.Duration

	// AnnotateTimeout bounds each annotation call.
	AnnotateTimeout time.Duration

	// Retry governs retries of transient transcribe and commit failures.
	// The zero value uses resilience.DefaultRetryPolicy.
	Retry resilience.RetryPolicy
}

func (c Config) withDefaults() Config {
	c.SampleRate = cmp.Or(c.SampleRate, stt.DefaultSampleRate)
	c.MaxWindow = cmp.Or(c.MaxWindow, DefaultMaxWindow)
	c.SilenceGap = cmp.Or(c.SilenceGap, DefaultSilenceGap)
	c.SilenceThreshold = cmp.Or(c.SilenceThreshold, DefaultSilenceThreshold)
	c.QueueSize = cmp.Or(c.QueueSize, DefaultQueueSize)
	c.TranscribeTimeout = cmp.Or(c.TranscribeTimeout, DefaultTranscribeTimeout)
	c.AnnotateTimeout = cmp.Or(c.AnnotateTimeout, DefaultAnnotateTimeout)
	if c.Retry == (resilience.RetryPolicy{}) {
		c.Retry = resilience.DefaultRetryPolicy
	}
	return c
}

// Committer stores a finished chunk. Implemented by memstore.Store.
type Committer interface {
	Commit(ctx context.Context, chunk types.TranscriptChunk) (types.TranscriptChunk, error)
}

// Annotator extracts optional chunk metadata. Implemented by llmtask.Tasks.
type Annotator interface {
	Annotate(ctx context.Context, text string) (types.ChunkMetadata, error)
}

// Publisher receives committed chunks. Implemented by eventbus.Bus.
type Publisher interface {
	Publish(sessionID string, ev eventbus.Event)
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithAnnotator enables chunk annotation.
func WithAnnotator(a Annotator) Option {
	return func(p *Pipeline) { p.annotator = a }
}

// WithPublisher sets where committed chunks are announced.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithActivity registers a callback invoked for every accepted frame, used
// by the session manager's inactivity tracking.
func WithActivity(fn func(sessionID string)) Option {
	return func(p *Pipeline) { p.activity = fn }
}

// Pipeline is the per-session ingestion front. It is safe for concurrent use.
type Pipeline struct {
	cfg         Config
	transcriber stt.Provider
	committer   Committer
	annotator   Annotator
	publisher   Publisher
	metrics     *observe.Metrics
	activity    func(string)

	mu    sync.Mutex
	units map[string]*unit
}

// New creates a [Pipeline]. A nil transcriber buffers and flushes audio but
// never produces chunks.
func New(cfg Config, transcriber stt.Provider, committer Committer, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:         cfg.withDefaults(),
		transcriber: transcriber,
		committer:   committer,
		units:       make(map[string]*unit),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Open creates the ingestion unit of a session and starts its worker.
// startTime anchors SpokenAt of every chunk. Opening an existing unit is a
// no-op.
func (p *Pipeline) Open(sessionID string, startTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.units[sessionID]; ok {
		return
	}
	u := newUnit(sessionID, startTime, p.cfg)
	p.units[sessionID] = u
	go p.work(u)
}

func (p *Pipeline) unit(sessionID string) *unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.units[sessionID]
}

// SubmitFrame appends 16-bit mono PCM to the session's buffer and returns
// immediately. Odd-length frames and frames for sessions without an open
// unit are a fault.ErrPermanentInput.
func (p *Pipeline) SubmitFrame(ctx context.Context, sessionID string, pcm []byte) error {
	const op = "ingest: submit"
	if err := audio.Validate(pcm); err != nil {
		return fault.PermanentInput(op, err)
	}
	u := p.unit(sessionID)
	if u == nil {
		return fault.PermanentInput(op, fmt.Errorf("session %q is not open", sessionID))
	}
	if len(pcm) == 0 {
		return nil
	}

	res, err := u.submit(pcm)
	if err != nil {
		return fault.PermanentInput(op, err)
	}

	p.metrics.IngestFrames.Add(ctx, 1)
	if res.silent {
		p.metrics.SilentWindows.Add(ctx, 1)
	}
	if res.dropped > 0 {
		p.metrics.DroppedJobs.Add(ctx, int64(res.dropped))
		observe.Logger(ctx).Warn("ingest: queue full, dropped oldest window", "session_id", sessionID, "dropped", res.dropped)
	}
	if p.activity != nil {
		p.activity(sessionID)
	}
	return nil
}

// Drain flushes the session's remaining buffer, closes its queue and waits
// for the worker to finish every queued window. The unit is removed even if
// ctx ends first; the worker then finishes in the background.
func (p *Pipeline) Drain(ctx context.Context, sessionID string) error {
	u := p.unit(sessionID)
	if u == nil {
		return nil
	}
	res := u.close()
	if res.silent {
		p.metrics.SilentWindows.Add(ctx, 1)
	}
	if res.dropped > 0 {
		p.metrics.DroppedJobs.Add(ctx, int64(res.dropped))
	}

	var err error
	select {
	case <-u.done:
	case <-ctx.Done():
		err = fmt.Errorf("ingest: drain %q: %w", sessionID, ctx.Err())
	}

	p.mu.Lock()
	if p.units[sessionID] == u {
		delete(p.units, sessionID)
	}
	p.mu.Unlock()
	return err
}

// Stats returns a snapshot of a live session's counters.
func (p *Pipeline) Stats(sessionID string) (Stats, bool) {
	u := p.unit(sessionID)
	if u == nil {
		return Stats{}, false
	}
	return u.snapshot(), true
}

// work is the session worker. It exits once the queue is closed and empty.
func (p *Pipeline) work(u *unit) {
	defer close(u.done)
	for {
		j, ok := u.next()
		if !ok {
			return
		}
		p.process(u, j)
	}
}

// process runs one window through transcribe, annotate, commit and publish.
// A panic is contained to this window.
func (p *Pipeline) process(u *unit, j job) {
	// In-flight windows outlive the session's Closing phase, so the worker
	// never inherits a request context.
	ctx, span := observe.StartSpan(observe.WithSession(context.Background(), u.id), "ingest.window",
		trace.WithAttributes(attribute.Float64("ts_start", j.tsStart)))
	var err error
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx).With("ts_start", j.tsStart)

	defer func() {
		if r := recover(); r != nil {
			u.count(func(s *Stats) { s.Failures++ })
			log.Error("ingest: worker panic recovered", "panic", r)
		}
	}()

	started := time.Now()
	text, err := resilience.RetryWithResult(ctx, p.cfg.Retry, func(ctx context.Context) (string, error) {
		return p.transcribe(ctx, j.pcm)
	})
	observe.Since(ctx, p.metrics.TranscribeDuration, started)
	if err != nil {
		u.count(func(s *Stats) { s.Failures++ })
		p.metrics.RecordProviderError(ctx, "transcriber", "stt")
		log.Warn("ingest: transcription failed, window discarded", "err", err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		u.count(func(s *Stats) { s.Empty++ })
		return
	}

	chunk := types.TranscriptChunk{
		SessionID: u.id,
		Text:      text,
		TsStart:   j.tsStart,
		TsEnd:     j.tsEnd,
		SpokenAt:  j.spokenAt,
	}
	if p.annotator != nil {
		actx, cancel := context.WithTimeout(ctx, p.cfg.AnnotateTimeout)
		meta, err := p.annotator.Annotate(actx, text)
		cancel()
		if err != nil {
			log.Debug("ingest: annotation skipped", "err", err)
		} else {
			chunk.Metadata = meta
		}
	}

	committed, err := resilience.RetryWithResult(ctx, p.cfg.Retry, func(ctx context.Context) (types.TranscriptChunk, error) {
		return p.committer.Commit(ctx, chunk)
	})
	if err != nil {
		u.count(func(s *Stats) { s.Failures++ })
		log.Error("ingest: commit failed, window discarded", "err", err)
		return
	}
	u.count(func(s *Stats) { s.Committed++ })
	observe.Since(ctx, p.metrics.FlushDuration, j.flushedAt)

	if p.publisher != nil {
		p.publisher.Publish(u.id, eventbus.TranscriptEvent(committed))
	}
}

func (p *Pipeline) transcribe(ctx context.Context, pcm []byte) (string, error) {
	const op = "ingest: transcribe"
	if p.transcriber == nil {
		return "", nil
	}
	tctx, cancel := context.WithTimeout(ctx, p.cfg.TranscribeTimeout)
	defer cancel()
	text, err := p.transcriber.Transcribe(tctx, pcm, p.cfg.SampleRate)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return "", fault.Transient(op, err)
	}
	return "", fault.Classify(op, err)
}
