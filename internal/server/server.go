// Package server exposes listenbuddy over HTTP.
//
// REST routes under /api are JSON and gzip-compressed. Audio arrives on the
// /ws/audio websocket as binary int16 LE mono PCM frames; live session events
// are streamed on /ws/events. Operational routes (/healthz, /readyz, /metrics,
// /mcp) are mounted when the corresponding handler is supplied.
//
// Errors are reported as {"error": "..."} with the status code derived from
// the fault taxonomy, see [fault.HTTPStatus].
package server

import (
	"context"
	"net/http"

	"github.com/klauspost/compress/gzhttp"

	"github.com/MrWong99/listenbuddy/internal/eventbus"
	"github.com/MrWong99/listenbuddy/internal/health"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/internal/retrieval"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Sessions is the session lifecycle the API drives.
type Sessions interface {
	Start(ctx context.Context, title string) (string, error)
	Ensure(ctx context.Context, id string) (*types.Session, error)
	End(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (types.Session, error)
	List(ctx context.Context) ([]types.Session, error)
	SetTitle(ctx context.Context, id, title string) (types.Session, error)
	Touch(id string)
}

// Ingester accepts audio frames.
type Ingester interface {
	SubmitFrame(ctx context.Context, sessionID string, pcm []byte) error
}

// Transcripts returns a session's committed chunks in commit order.
type Transcripts interface {
	Transcript(ctx context.Context, sessionID string) ([]types.TranscriptChunk, error)
}

// Cards returns a session's persisted insight cards, oldest first.
type Cards interface {
	Insights(ctx context.Context, sessionID string) ([]types.InsightCard, error)
}

// Answerer answers questions over transcript memory.
type Answerer interface {
	Answer(ctx context.Context, sessionID, query string) (retrieval.Answer, error)
}

// Titler generates a session title from its transcript.
type Titler interface {
	Title(ctx context.Context, transcript string) (string, error)
}

// Refresher runs an insight tick on demand.
type Refresher interface {
	Trigger(ctx context.Context, sessionID string) (*types.InsightCard, error)
}

// Events hands out live event subscriptions.
type Events interface {
	Subscribe(ctx context.Context, sessionID string) (*eventbus.Subscription, error)
}

// Deps are the components behind the API. Titler and Refresher may be nil,
// in which case their routes answer 503.
type Deps struct {
	Sessions    Sessions
	Ingest      Ingester
	Transcripts Transcripts
	Cards       Cards
	Answers     Answerer
	Titler      Titler
	Insights    Refresher
	Events      Events
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMCP mounts h on /mcp.
func WithMCP(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// WithMetrics sets the metrics sink used by the request middleware.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins adds origin patterns accepted on websocket upgrades.
func WithAllowedOrigins(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// WithSampleRate sets the ingest sample rate audio clients are converted
// to when they declare a different format on /ws/audio. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(s *Server) { s.sampleRate = rate }
}

// Server routes HTTP and websocket traffic to the listenbuddy components.
type Server struct {
	deps Deps

	health         *health.Handler
	metricsHandler http.Handler
	mcp            http.Handler
	metrics        *observe.Metrics
	origins        []string
	sampleRate     int

	handler http.Handler
}

// New builds a [Server]. All Deps except Titler and Insights are required.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.sampleRate <= 0 {
		s.sampleRate = defaultSampleRate
	}
	s.handler = observe.Middleware(s.metrics)(s.routes())
	return s
}

// Handler returns the root handler including tracing and metrics middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/sessions", s.handleListSessions)
	api.HandleFunc("POST /api/sessions", s.handleStartSession)
	api.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	api.HandleFunc("POST /api/sessions/{id}/end", s.handleEndSession)
	api.HandleFunc("GET /api/sessions/{id}/insights", s.handleInsights)
	api.HandleFunc("POST /api/sessions/{id}/insights/refresh", s.handleRefresh)
	api.HandleFunc("GET /api/sessions/{id}/artifacts", s.handleArtifacts)
	api.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)
	api.HandleFunc("POST /api/sessions/{id}/title", s.handleTitle)
	api.HandleFunc("POST /api/query", s.handleQuery)

	mux := http.NewServeMux()
	mux.Handle("/api/", gzhttp.GzipHandler(api))
	mux.HandleFunc("GET /ws/audio", s.handleAudio)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}
	return mux
}
