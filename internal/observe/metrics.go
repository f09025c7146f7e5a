// Package observe provides application-wide observability primitives for
// listenbuddy: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all listenbuddy metrics.
const meterName = "github.com/MrWong99/listenbuddy"

// Insight tick outcomes recorded on [Metrics.InsightTicks].
const (
	TickRan     = "ran"
	TickEmpty   = "empty"
	TickSkipped = "skipped"
	TickAborted = "aborted"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// FlushDuration tracks the time from a window flush to its chunk commit.
	FlushDuration metric.Float64Histogram

	// TranscribeDuration tracks transcriber latency per window.
	TranscribeDuration metric.Float64Histogram

	// CommitDuration tracks MemoryStore.Commit latency including embedding.
	CommitDuration metric.Float64Histogram

	// SearchDuration tracks memory search latency.
	SearchDuration metric.Float64Histogram

	// AnswerDuration tracks end-to-end retrieval answer latency.
	AnswerDuration metric.Float64Histogram

	// --- Counters ---

	// IngestFrames counts accepted audio frames.
	IngestFrames metric.Int64Counter

	// DroppedJobs counts flush jobs evicted from a full session queue.
	DroppedJobs metric.Int64Counter

	// SilentWindows counts windows discarded without transcription.
	SilentWindows metric.Int64Counter

	// InsightTicks counts insight agent ticks. Use with attribute:
	//   attribute.String("outcome", TickRan|TickEmpty|TickSkipped|TickAborted)
	InsightTicks metric.Int64Counter

	// EventDrops counts subscribers dropped for falling behind.
	EventDrops metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker state changes. Use
	// with attributes kind, provider and state (the new state).
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of Open sessions.
	ActiveSessions metric.Int64UpDownCounter

	// EventSubscribers tracks live event subscriptions across all sessions.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled by
	// method, route pattern and status. See [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Flushes
// and answers wait on remote models, so the tail reaches 30s.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.FlushDuration, "listenbuddy.ingest.flush.duration", "Latency from window flush to chunk commit."},
		{&met.TranscribeDuration, "listenbuddy.stt.duration", "Latency of speech-to-text transcription."},
		{&met.CommitDuration, "listenbuddy.memory.commit.duration", "Latency of transcript chunk commits."},
		{&met.SearchDuration, "listenbuddy.memory.search.duration", "Latency of memory similarity searches."},
		{&met.AnswerDuration, "listenbuddy.retrieval.answer.duration", "Latency of retrieval-augmented answers."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.IngestFrames, "listenbuddy.ingest.frames", "Total accepted audio frames."},
		{&met.DroppedJobs, "listenbuddy.ingest.dropped_jobs", "Flush jobs dropped because a session queue was full."},
		{&met.SilentWindows, "listenbuddy.ingest.silent_windows", "Windows discarded as silence."},
		{&met.InsightTicks, "listenbuddy.insight.ticks", "Insight agent ticks by outcome."},
		{&met.EventDrops, "listenbuddy.events.dropped_subscribers", "Event subscribers dropped as slow consumers."},
		{&met.ProviderRequests, "listenbuddy.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "listenbuddy.provider.errors", "Total provider errors by provider and kind."},
		{&met.BreakerTransitions, "listenbuddy.provider.breaker.transitions", "Provider circuit breaker state changes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("listenbuddy.active_sessions",
		metric.WithDescription("Number of Open sessions."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("listenbuddy.events.subscribers",
		metric.WithDescription("Number of live event subscriptions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("listenbuddy.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Since records the seconds elapsed since start on h.
func Since(ctx context.Context, h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordInsightTick counts one insight tick with the given outcome.
func (m *Metrics) RecordInsightTick(ctx context.Context, outcome string) {
	m.InsightTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBreakerTransition counts a breaker of the given provider moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, kind, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}
