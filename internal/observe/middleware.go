package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of a control API request back to
// the caller.
const CorrelationHeader = "X-Correlation-ID"

// unmatchedRoute labels requests no mux pattern matched, keeping the route
// label bounded.
const unmatchedRoute = "unmatched"

// quietRoutes are polled continuously; their completions log at debug.
var quietRoutes = map[string]bool{
	"GET /metrics": true,
	"GET /healthz": true,
	"GET /readyz":  true,
}

// Middleware instruments the control API. Each request gets a server span
// (continuing an incoming W3C traceparent), a [CorrelationHeader] response
// header, a latency sample labelled by method, route and status class, and
// one completion log line.
//
// When next is an [http.ServeMux], the route label is the matched pattern;
// otherwise it is the raw path.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &instrumented{next: next, metrics: m, prop: propagation.TraceContext{}}
	}
}

type instrumented struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TextMapPropagator
}

func (h *instrumented) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route := h.route(r)

	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			semconv.HTTPRoute(route),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set(CorrelationHeader, cid)
	}
	h.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
	h.next.ServeHTTP(rw, r.WithContext(ctx))
	elapsed := time.Since(start)

	span.SetAttributes(semconv.HTTPResponseStatusCode(rw.status))
	h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("route", route),
		attribute.String("status_class", statusClass(rw.status)),
	))

	level := slog.LevelInfo
	switch {
	case rw.status >= http.StatusInternalServerError:
		level = slog.LevelWarn
	case quietRoutes[route]:
		level = slog.LevelDebug
	}
	slog.LogAttrs(ctx, level, "control request",
		slog.String("trace_id", cid),
		slog.String("route", route),
		slog.Int("status", rw.status),
		slog.Int64("bytes", rw.written),
		slog.Duration("duration", elapsed),
	)
}

func (h *instrumented) route(r *http.Request) string {
	mux, ok := h.next.(*http.ServeMux)
	if !ok {
		return r.Method + " " + r.URL.Path
	}
	if _, pattern := mux.Handler(r); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}

// statusClass folds a status code into "2xx", "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// responseWriter remembers the status and body size written downstream.
type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
