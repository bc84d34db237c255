package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the counter data point carrying attr.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			return dp.Value
		}
	}
	return 0
}

func metricAttrs(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.STTDuration.Record(ctx, 0.2)
	m.LLMDuration.Record(ctx, 0.8)
	m.TTSDuration.Record(ctx, 0.3)
	m.TurnDuration.Record(ctx, 1.4)
	m.CrisisScore.Record(ctx, 0.85)

	rm := collect(t, reader)
	for _, name := range []string{
		"attune.stt.duration", "attune.llm.duration", "attune.tts.duration",
		"attune.turn.duration", "attune.crisis.score",
	} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("metric %q data points = %+v, want one sample", name, hist.DataPoints)
			}
		})
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "stt", "ok")
	m.RecordProviderRequest(ctx, "openai", "stt", "ok")
	m.RecordProviderRequest(ctx, "openai", "stt", "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "attune.provider.requests", attribute.String("status", "ok")); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumFor(t, rm, "attune.provider.errors", attribute.String("kind", "stt")); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestBusInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDelivery(ctx, "engine", 2*time.Millisecond)
	m.RecordDelivery(ctx, "engine", 3*time.Millisecond)
	m.RecordLoss(ctx, "recorder", "queue_full")
	m.BusFrames.Add(ctx, 3, metricAttrs("outcome", "gated"))
	m.ActiveConsumers.Add(ctx, 2)
	m.ActiveConsumers.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "attune.bus.deliveries", attribute.String("consumer", "engine")); got != 2 {
		t.Errorf("deliveries = %d, want 2", got)
	}
	if got := sumFor(t, rm, "attune.bus.losses", attribute.String("reason", "queue_full")); got != 1 {
		t.Errorf("losses = %d, want 1", got)
	}
	if got := sumFor(t, rm, "attune.bus.frames", attribute.String("outcome", "gated")); got != 3 {
		t.Errorf("gated frames = %d, want 3", got)
	}

	met := findMetric(rm, "attune.bus.active_consumers")
	if met == nil {
		t.Fatal("active consumers gauge not found")
	}
	if sum := met.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 1 {
		t.Errorf("active consumers = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestEngineInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "listening", "processing-stt")
	m.RecordIntervention(ctx, "immediate", "emotion")
	m.Interruptions.Add(ctx, 1, metricAttrs("reason", "PATIENT_BARGE_IN"))

	rm := collect(t, reader)
	if got := sumFor(t, rm, "attune.engine.transitions", attribute.String("to", "processing-stt")); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "attune.crisis.interventions", attribute.String("tier", "immediate")); got != 1 {
		t.Errorf("interventions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "attune.engine.interruptions", attribute.String("reason", "PATIENT_BARGE_IN")); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Fatal("DefaultMetrics returned different instances")
	}
}
