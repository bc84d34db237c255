package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the attune tracer.
const tracerName = "github.com/MrWong99/attune"

// Tracer returns the package-level [trace.Tracer] for attune. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The control API echoes it in the X-Correlation-ID header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type sessionKey struct{}

// WithSessionID tags ctx with the conversation session it serves. Spans
// started by [Metrics.TrackCall] and loggers from [Logger] pick it up.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session tag set by [WithSessionID], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Logger returns the default logger enriched with session_id, trace_id and
// span_id where ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// TrackCall runs fn inside a span named "<kind>.<op>", records its latency on
// hist and counts the request under provider and kind. The span status and
// the request status reflect fn's error.
func (m *Metrics) TrackCall(ctx context.Context, kind, op, provider string, hist metric.Float64Histogram, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{attribute.String("provider", provider)}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, attribute.String("session.id", id))
	}
	ctx, span := StartSpan(ctx, kind+"."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	hist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("provider", provider)))

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.RecordProviderRequest(ctx, provider, kind, status)
	return err
}
