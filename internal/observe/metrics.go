// Package observe provides application-wide observability primitives for
// attune: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all attune metrics.
const meterName = "github.com/MrWong99/attune"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Stream multiplexer ---

	// BusFrames counts captured frames. Use with attribute:
	//   attribute.String("outcome", "distributed"|"gated")
	BusFrames metric.Int64Counter

	// BusDeliveries counts frames successfully handed to a consumer handler.
	// Use with attribute: attribute.String("consumer", ...)
	BusDeliveries metric.Int64Counter

	// BusLosses counts frames lost for one consumer. Use with attributes:
	//   attribute.String("consumer", ...), attribute.String("reason", ...)
	BusLosses metric.Int64Counter

	// BusDeliveryLatency tracks the time from capture to handler return.
	BusDeliveryLatency metric.Float64Histogram

	// ActiveConsumers tracks consumers with a running delivery worker.
	ActiveConsumers metric.Int64UpDownCounter

	// UnhealthyConsumers tracks consumers currently assessed unhealthy.
	UnhealthyConsumers metric.Int64UpDownCounter

	// --- Collaborator latency histograms ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks response generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks the end of a speech span to the start of playback.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// StateTransitions counts conversation state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Interruptions counts playback interruptions by reason.
	Interruptions metric.Int64Counter

	// CrisisInterventions counts crisis interventions by tier and trigger.
	CrisisInterventions metric.Int64Counter

	// CrisisScore tracks the distribution of crisis scores.
	CrisisScore metric.Float64Histogram

	// FallbackUtterances counts scripted fallback responses by stage.
	FallbackUtterances metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversations.
	ActiveSessions metric.Int64UpDownCounter

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

// deliveryBuckets covers per-frame delivery latency, which should stay well
// below one frame (20 ms).
var deliveryBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1,
}

var scoreBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	type hist struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		unit    string
		buckets []float64
	}
	hists := []hist{
		{&met.BusDeliveryLatency, "attune.bus.delivery.latency", "Capture-to-handler latency per consumer.", "s", deliveryBuckets},
		{&met.STTDuration, "attune.stt.duration", "Latency of speech-to-text transcription.", "s", latencyBuckets},
		{&met.LLMDuration, "attune.llm.duration", "Latency of response generation.", "s", latencyBuckets},
		{&met.TTSDuration, "attune.tts.duration", "Latency of text-to-speech synthesis.", "s", latencyBuckets},
		{&met.TurnDuration, "attune.turn.duration", "Speech end to playback start.", "s", latencyBuckets},
		{&met.CrisisScore, "attune.crisis.score", "Distribution of crisis scores.", "1", scoreBuckets},
		{&met.HTTPRequestDuration, "attune.http.request.duration", "HTTP request latency by method and path.", "s", nil},
	}
	for _, h := range hists {
		opts := []metric.Float64HistogramOption{metric.WithDescription(h.desc), metric.WithUnit(h.unit)}
		if h.buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(h.buckets...))
		}
		inst, err := m.Float64Histogram(h.name, opts...)
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.BusFrames, "attune.bus.frames", "Captured frames by outcome."},
		{&met.BusDeliveries, "attune.bus.deliveries", "Frames delivered per consumer."},
		{&met.BusLosses, "attune.bus.losses", "Frames lost per consumer and reason."},
		{&met.ProviderRequests, "attune.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "attune.provider.errors", "Total provider errors by provider and kind."},
		{&met.StateTransitions, "attune.engine.transitions", "Conversation state transitions."},
		{&met.Interruptions, "attune.engine.interruptions", "Playback interruptions by reason."},
		{&met.CrisisInterventions, "attune.crisis.interventions", "Crisis interventions by tier and trigger."},
		{&met.FallbackUtterances, "attune.engine.fallbacks", "Scripted fallback utterances by stage."},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&met.ActiveConsumers, "attune.bus.active_consumers", "Consumers with a running delivery worker."},
		{&met.UnhealthyConsumers, "attune.bus.unhealthy_consumers", "Consumers currently assessed unhealthy."},
		{&met.ActiveSessions, "attune.active_sessions", "Number of live conversations."},
	}
	for _, g := range gauges {
		inst, err := m.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, err
		}
		*g.dst = inst
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

// RecordProviderRequest records a provider request with the standard
// attribute set and, when status is not "ok", a provider error.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	if status != "ok" {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", kind),
			),
		)
	}
}

// RecordLoss records one lost frame for a consumer.
func (m *Metrics) RecordLoss(ctx context.Context, consumer, reason string) {
	m.BusLosses.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("consumer", consumer),
			attribute.String("reason", reason),
		),
	)
}

// RecordDelivery records one successful delivery and its latency.
func (m *Metrics) RecordDelivery(ctx context.Context, consumer string, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("consumer", consumer))
	m.BusDeliveries.Add(ctx, 1, attrs)
	m.BusDeliveryLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordTransition records a conversation state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordIntervention records a crisis intervention.
func (m *Metrics) RecordIntervention(ctx context.Context, tier, trigger string) {
	m.CrisisInterventions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("trigger", trigger),
		),
	)
}
