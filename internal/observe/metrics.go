// Package observe provides application-wide observability primitives for
// Leadline: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Leadline metrics.
const meterName = "github.com/leadline-voice/leadline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks the gap between the last forwarded caller audio
	// and the completed transcript, i.e. perceived recognition latency.
	ASRDuration metric.Float64Histogram

	// ReplyDuration tracks reply generation latency.
	ReplyDuration metric.Float64Histogram

	// TTSDuration tracks time until a synthesis request begins streaming.
	TTSDuration metric.Float64Histogram

	// CallDuration tracks whole-call length.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// EmittedFrames counts outbound 20 ms media frames.
	EmittedFrames metric.Int64Counter

	// ParseErrors counts malformed inbound carrier messages.
	ParseErrors metric.Int64Counter

	// Finalizations counts finished calls. Use with attribute:
	//   attribute.String("outcome", ...)
	Finalizations metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// BreakerState tracks each circuit breaker's state (0 closed, 1 open,
	// 2 half-open). Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	BreakerState metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for
// whole-call durations, up to the 600 s call cap and a bit beyond.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("leadline.asr.duration",
		metric.WithDescription("Latency from last forwarded caller audio to completed transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyDuration, err = m.Float64Histogram("leadline.reply.duration",
		metric.WithDescription("Latency of reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("leadline.tts.duration",
		metric.WithDescription("Latency until a synthesis request begins streaming."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("leadline.call.duration",
		metric.WithDescription("Whole-call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EmittedFrames, err = m.Int64Counter("leadline.frames.emitted",
		metric.WithDescription("Total outbound 20 ms media frames."),
	); err != nil {
		return nil, err
	}
	if met.ParseErrors, err = m.Int64Counter("leadline.protocol.parse_errors",
		metric.WithDescription("Total malformed inbound carrier messages."),
	); err != nil {
		return nil, err
	}
	if met.Finalizations, err = m.Int64Counter("leadline.finalizations",
		metric.WithDescription("Total finished calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("leadline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("leadline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveCalls, err = m.Int64UpDownCounter("leadline.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.BreakerState, err = m.Int64Gauge("leadline.breaker.state",
		metric.WithDescription("Circuit breaker state by provider (0 closed, 1 open, 2 half-open)."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("leadline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordFinalization is a convenience method that records one finished call
// with its outcome.
func (m *Metrics) RecordFinalization(ctx context.Context, outcome string) {
	m.Finalizations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordBreakerState is a convenience method that records a circuit breaker
// state change.
func (m *Metrics) RecordBreakerState(ctx context.Context, provider, kind string, state int64) {
	m.BreakerState.Record(ctx, state,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
