// Package observe provides application-wide observability primitives for the
// voice assistant: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all assistant metrics.
const meterName = "github.com/axel-sirota/polyglot-rag-assistant-sub002"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SpeechToFirstAudio tracks the time from detected speech start to the
	// first assistant audio frame published back to the room. This is the
	// headline responsiveness number.
	SpeechToFirstAudio metric.Float64Histogram

	// ToolCallDuration tracks flight-search tool dispatch latency, including
	// fallback hops.
	ToolCallDuration metric.Float64Histogram

	// PartialToFinal tracks the STT latency between the last partial and the
	// final transcript of a speech segment.
	PartialToFinal metric.Float64Histogram

	// LLMDuration tracks model generation latency per turn.
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// Interruptions counts barge-in events. Use with attribute:
	//   attribute.String("participant", ...)
	Interruptions metric.Int64Counter

	// Reconnects counts participant reconnects that resumed an existing
	// session.
	Reconnects metric.Int64Counter

	// DroppedFrames counts audio frames dropped under backpressure. Use with
	//   attribute.String("direction", "in"|"out")
	DroppedFrames metric.Int64Counter

	// ProtocolErrors counts malformed data-channel messages that were
	// dropped.
	ProtocolErrors metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live participant sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies. The low end resolves sub-100 ms barge-in
// targets; the high end covers slow tool fallback ladders.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SpeechToFirstAudio, err = m.Float64Histogram("voiceagent.speech_to_first_audio.duration",
		metric.WithDescription("Time from detected speech start to first assistant audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("voiceagent.tool_call.duration",
		metric.WithDescription("Latency of flight-search tool dispatch including fallbacks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PartialToFinal, err = m.Float64Histogram("voiceagent.stt.partial_to_final.duration",
		metric.WithDescription("Latency between last partial and final transcript of a segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voiceagent.llm.duration",
		metric.WithDescription("Model generation latency per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Interruptions, err = m.Int64Counter("voiceagent.interruptions",
		metric.WithDescription("Total barge-in events by participant."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voiceagent.reconnects",
		metric.WithDescription("Total participant reconnects that resumed a session."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voiceagent.dropped_frames",
		metric.WithDescription("Total audio frames dropped under backpressure by direction."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("voiceagent.protocol_errors",
		metric.WithDescription("Total malformed data-channel messages dropped."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voiceagent.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voiceagent.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceagent.active_sessions",
		metric.WithDescription("Number of live participant sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceagent.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordInterruption records a barge-in event for the given participant.
func (m *Metrics) RecordInterruption(ctx context.Context, participant string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("participant", participant)),
	)
}

// RecordDroppedFrames records n dropped audio frames in the given direction
// ("in" for participant→assistant, "out" for assistant→participant).
func (m *Metrics) RecordDroppedFrames(ctx context.Context, direction string, n int64) {
	m.DroppedFrames.Add(ctx, n,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}
