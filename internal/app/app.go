// Package app wires all listenbuddy subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject storage via functional options (WithIndex,
// WithArchive, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/listenbuddy/internal/config"
	"github.com/MrWong99/listenbuddy/internal/eventbus"
	"github.com/MrWong99/listenbuddy/internal/health"
	"github.com/MrWong99/listenbuddy/internal/ingest"
	"github.com/MrWong99/listenbuddy/internal/insight"
	"github.com/MrWong99/listenbuddy/internal/llmtask"
	"github.com/MrWong99/listenbuddy/internal/mcpserver"
	"github.com/MrWong99/listenbuddy/internal/memstore"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/internal/resilience"
	"github.com/MrWong99/listenbuddy/internal/retrieval"
	"github.com/MrWong99/listenbuddy/internal/server"
	"github.com/MrWong99/listenbuddy/internal/session"
	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/memory/chromem"
	"github.com/MrWong99/listenbuddy/pkg/memory/postgres"
	"github.com/MrWong99/listenbuddy/pkg/memory/sqlite"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings/cached"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// snapshotChunks is how many recent chunks a new event subscriber receives.
const snapshotChunks = 50

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	index    memory.Index
	archive  memory.Archive
	embedder embeddings.Provider
	memory   *memstore.Store
	bus      *eventbus.Bus
	tasks    *llmtask.Tasks
	ingest   *ingest.Pipeline
	insights *insight.Agent
	answers  *retrieval.Orchestrator
	sessions *session.Manager
	server   *server.Server
	httpSrv  *http.Server

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	listener       net.Listener

	// closers are called in order during Shutdown.
	closers []func(ctx context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIndex injects a vector index instead of creating one from config.
// The caller keeps ownership; Shutdown does not close it.
func WithIndex(idx memory.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithArchive injects a session archive instead of opening the sqlite file.
// The caller keeps ownership; Shutdown does not close it.
func WithArchive(ar memory.Archive) Option {
	return func(a *App) { a.archive = ar }
}

// WithMetrics sets the metrics sink of every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the promhttp handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel hands the app the level variable of the process logger so
// config reloads can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener makes Run serve on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithTelemetry registers the shutdown function returned by
// observe.InitProvider. It runs last so spans and metrics of the teardown
// itself are flushed.
func WithTelemetry(shutdown func(context.Context) error) Option {
	return func(a *App) { a.closers = append(a.closers, shutdown) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders] and must carry an embeddings provider.
//
// New performs all initialisation synchronously: archive and index opening,
// recovery of sessions a crashed process left open, and construction of the
// HTTP server. It does not listen yet.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Embeddings == nil {
		return nil, errors.New("app: an embeddings provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	// Option-registered closers (telemetry) run after ours.
	telemetry := a.closers
	a.closers = nil
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.abort(ctx)
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Vector index + memory store ───────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		a.abort(ctx)
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 3. Event bus ─────────────────────────────────────────────────────
	a.bus = eventbus.New(
		eventbus.WithSnapshot(a.snapshot),
		eventbus.WithMetrics(a.metrics),
	)

	// ── 4. Language-model tasks + insight agent ──────────────────────────
	if providers.LLM != nil {
		a.tasks = llmtask.New(providers.LLM,
			llmtask.WithTranscriptChars(cfg.Insight.TranscriptChars),
			llmtask.WithInterests(cfg.Insight.Interests),
		)
		if err := a.initInsights(); err != nil {
			a.abort(ctx)
			return nil, fmt.Errorf("app: init insights: %w", err)
		}
	}

	// ── 5. Sessions ──────────────────────────────────────────────────────
	a.sessions = session.New(session.Config{
		Archive:           a.archive,
		Hooks:             a.hooks(),
		InactivityTimeout: cfg.Session.InactivityTimeout,
		ReapInterval:      cfg.Session.ReapInterval,
		DrainTimeout:      cfg.Session.DrainTimeout,
		Metrics:           a.metrics,
	})
	if n, err := a.sessions.Recover(ctx); err != nil {
		a.abort(ctx)
		return nil, fmt.Errorf("app: recover sessions: %w", err)
	} else if n > 0 {
		slog.Info("closed sessions left open by a previous run", "count", n)
	}

	// ── 6. Ingestion ─────────────────────────────────────────────────────
	a.initIngest()

	// ── 7. Retrieval ─────────────────────────────────────────────────────
	ropts := []retrieval.Option{retrieval.WithMetrics(a.metrics)}
	if model := cfg.Providers.LLM.Model; model != "" && providers.LLM != nil {
		ropts = append(ropts, retrieval.WithTokenizer(llm.NewTokenizer(model)))
	}
	a.answers = retrieval.New(retrieval.Config{
		TopK:             cfg.Retrieval.TopK,
		MaxContextTokens: cfg.Retrieval.MaxContextTokens,
		Timeout:          cfg.Retrieval.Timeout,
	}, a.memory, a.sessions, providers.LLM, ropts...)

	// ── 8. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	a.closers = append(a.closers, telemetry...)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initArchive opens the sqlite archive unless one was injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil {
		return nil
	}
	ar, err := sqlite.Open(ctx, a.cfg.Archive.Path)
	if err != nil {
		return err
	}
	a.archive = ar
	a.closers = append(a.closers, func(context.Context) error { return ar.Close() })
	slog.Info("opened session archive", "path", a.cfg.Archive.Path)
	return nil
}

// initMemory opens the configured vector index unless one was injected and
// puts the memory store on top of it.
func (a *App) initMemory(ctx context.Context) error {
	if a.index == nil {
		idx, err := a.openIndex(ctx)
		if err != nil {
			return err
		}
		a.index = idx
		a.closers = append(a.closers, func(context.Context) error { return idx.Close() })
	}

	a.embedder = a.providers.Embeddings
	if n := a.cfg.Memory.EmbeddingCacheSize; n > 0 {
		c, err := cached.New(a.embedder, n)
		if err != nil {
			return fmt.Errorf("embedding cache: %w", err)
		}
		a.embedder = c
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	a.memory = memstore.New(a.index, a.embedder, memstore.WithMetrics(a.metrics))
	return nil
}

func (a *App) openIndex(ctx context.Context) (memory.Index, error) {
	mc := a.cfg.Memory
	switch mc.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewStore(ctx, mc.PostgresDSN, mc.EmbeddingDimensions)
		if err != nil {
			return nil, err
		}
		slog.Info("opened postgres vector index", "dimensions", mc.EmbeddingDimensions)
		return store, nil
	default:
		var opts []chromem.Option
		if mc.ChromemPath != "" {
			opts = append(opts, chromem.WithPersistence(mc.ChromemPath, mc.ChromemCompress))
		}
		idx, err := chromem.Open(opts...)
		if err != nil {
			return nil, err
		}
		slog.Info("opened chromem vector index", "path", mc.ChromemPath)
		return idx, nil
	}
}

// initInsights builds the insight agent on top of the language-model tasks.
func (a *App) initInsights() error {
	ic := a.cfg.Insight
	agent, err := insight.New(insight.Config{
		Interval:      ic.Interval,
		CallTimeout:   ic.CallTimeout,
		MaxKeywords:   ic.MaxKeywords,
		MaxArtifacts:  ic.MaxArtifacts,
		MinEngagement: ic.MinEngagement,
		DenyURLs:      ic.DenyURLs,
	}, a.tasks, a.memory, a.archive, a.providers.Social,
		insight.WithPublisher(a.bus),
		insight.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.insights = agent
	return nil
}

func (a *App) initIngest() {
	ic := a.cfg.Ingest
	opts := []ingest.Option{
		ingest.WithPublisher(a.bus),
		ingest.WithMetrics(a.metrics),
		ingest.WithActivity(a.sessions.Touch),
	}
	if ic.Annotate && a.tasks != nil {
		opts = append(opts, ingest.WithAnnotator(a.tasks))
	}
	a.ingest = ingest.New(ingest.Config{
		SampleRate:        ic.SampleRate,
		MaxWindow:         ic.MaxWindow,
		SilenceGap:        ic.SilenceGap,
		SilenceThreshold:  ic.SilenceThreshold,
		QueueSize:         ic.QueueSize,
		TranscribeTimeout: ic.TranscribeTimeout,
		Retry: resilience.RetryPolicy{
			MaxAttempts:    ic.Retry.MaxAttempts,
			InitialBackoff: ic.Retry.InitialBackoff,
			MaxBackoff:     ic.Retry.MaxBackoff,
			Jitter:         ic.Retry.Jitter,
		},
	}, a.providers.STT, a.memory, opts...)
}

// initServer assembles the REST, websocket, MCP and ops routes.
func (a *App) initServer() {
	deps := server.Deps{
		Sessions:    a.sessions,
		Ingest:      a.ingest,
		Transcripts: a.memory,
		Cards:       a.archive,
		Answers:     a.answers,
		Events:      a.bus,
	}
	// Assigned only when present so the interfaces stay nil.
	if a.tasks != nil {
		deps.Titler = a.tasks
	}
	if a.insights != nil {
		deps.Insights = a.insights
	}

	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	checks := []health.Checker{
		health.Ping("archive", a.archive),
		health.Ping("index", a.memory),
	}
	if c, ok := breakersCheck("stt", a.providers.STT); ok {
		checks = append(checks, c)
	}
	if c, ok := breakersCheck("llm", a.providers.LLM); ok {
		checks = append(checks, c)
	}
	opts := []server.Option{
		server.WithHealth(health.New(checks...)),
		server.WithMetricsHandler(a.metricsHandler),
		server.WithMetrics(a.metrics),
		server.WithAllowedOrigins(a.cfg.Server.AllowedOrigins...),
		server.WithSampleRate(a.cfg.Ingest.SampleRate),
	}
	if !a.cfg.Server.DisableMCP {
		opts = append(opts, server.WithMCP(mcpserver.Handler(mcpserver.New(mcpserver.Deps{
			Memory:   a.memory,
			Answers:  a.answers,
			Sessions: a.sessions,
			Cards:    a.archive,
		}))))
	}
	a.server = server.New(deps, opts...)
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// hooks ties per-session resources to the session lifecycle.
func (a *App) hooks() session.Hooks {
	return session.Hooks{
		Opened: func(_ context.Context, s types.Session) error {
			a.bus.Open(s.ID)
			a.ingest.Open(s.ID, s.StartTime)
			if a.insights != nil {
				a.insights.Start(s.ID, s.StartTime)
			}
			return nil
		},
		Closing: func(ctx context.Context, id string) {
			if a.insights != nil {
				if err := a.insights.Stop(ctx, id); err != nil {
					slog.Warn("insight loop did not stop in time", "session_id", id, "err", err)
				}
			}
			if err := a.ingest.Drain(ctx, id); err != nil {
				slog.Warn("ingest drain incomplete", "session_id", id, "err", err)
			}
		},
		Closed: func(s types.Session) {
			a.bus.Publish(s.ID, eventbus.SessionEvent(s))
			a.bus.CloseSession(s.ID)
			a.memory.Release(s.ID)
		},
		Updated: func(s types.Session) {
			a.bus.Publish(s.ID, eventbus.SessionEvent(s))
		},
	}
}

// snapshot is the init payload of a new event subscription.
func (a *App) snapshot(ctx context.Context, sessionID string) (eventbus.Snapshot, error) {
	cards, err := a.archive.Insights(ctx, sessionID)
	if err != nil {
		return eventbus.Snapshot{}, err
	}
	chunks, last, err := a.memory.Recent(ctx, sessionID, snapshotChunks)
	if err != nil {
		return eventbus.Snapshot{}, err
	}
	return eventbus.Snapshot{Insights: cards, Transcript: chunks, LastSeq: last}, nil
}

// abort releases whatever New managed to open before failing.
func (a *App) abort(ctx context.Context) {
	if a.insights != nil {
		a.insights.Close()
	}
	for _, c := range a.closers {
		_ = c(ctx)
	}
	a.closers = nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler. Useful for httptest.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the inactivity reaper and serves HTTP until ctx is cancelled,
// then returns ctx.Err(). A listener failure is returned immediately.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	a.sessions.StartReaper()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpSrv.Serve(ln)
	}()
	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of a config change and logs every
// section that needs a restart. It is the onChange callback of a
// [config.Watcher].
func (a *App) Reload(old, next *config.Config) config.ConfigDiff {
	d := config.Diff(old, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.InsightFilterChanged && a.insights != nil {
		if err := a.insights.SetFilter(d.MinEngagement, d.DenyURLs); err != nil {
			slog.Warn("insight filter not updated", "err", err)
		} else {
			slog.Info("insight filter updated", "min_engagement", d.MinEngagement, "deny_urls", len(d.DenyURLs))
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, ends every open session (draining
// in-flight flushes), stops the insight loops and then runs the closers:
// embedding cache, index, archive, providers and telemetry. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "open_sessions", len(a.sessions.OpenIDs()))

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.sessions.Shutdown(ctx); err != nil {
			slog.Warn("session shutdown error", "err", err)
		}
		if a.insights != nil {
			a.insights.Close()
		}
		if err := a.providers.Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
