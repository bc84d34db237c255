package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

// newHarness wraps a small control-style mux in Middleware with in-memory
// metric and span sinks.
func newHarness(t *testing.T) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		if CorrelationID(r.Context()) == "" {
			t.Error("handler context carries no correlation ID")
		}
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /v1/text", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	return &harness{handler: Middleware(m)(mux), reader: reader, spans: exp}
}

func (h *harness) serve(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_RouteLabels(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		target    string
		wantCode  int
		wantRoute string
		wantClass string
		wantSpan  string
	}{
		{"pattern with wildcard", http.MethodGet, "/v1/session/abc/turns", 200, "GET /v1/session/{id}/turns", "2xx", "GET /v1/session/{id}/turns"},
		{"handler status", http.MethodPost, "/v1/text", 409, "POST /v1/text", "4xx", "POST /v1/text"},
		{"server error", http.MethodGet, "/boom", 500, "GET /boom", "5xx", "GET /boom"},
		{"no match", http.MethodGet, "/nope/123", 404, unmatchedRoute, "4xx", unmatchedRoute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.serve(tt.method, tt.target, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}

			var rm metricdata.ResourceMetrics
			if err := h.reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			met := findMetric(rm, "attune.http.request.duration")
			if met == nil {
				t.Fatal("duration histogram not recorded")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 {
				t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
			}
			attrs := hist.DataPoints[0].Attributes
			if v, _ := attrs.Value(attribute.Key("route")); v.AsString() != tt.wantRoute {
				t.Errorf("route = %q, want %q", v.AsString(), tt.wantRoute)
			}
			if v, _ := attrs.Value(attribute.Key("status_class")); v.AsString() != tt.wantClass {
				t.Errorf("status_class = %q, want %q", v.AsString(), tt.wantClass)
			}

			spans := h.spans.GetSpans()
			if len(spans) != 1 || spans[0].Name != tt.wantSpan {
				t.Fatalf("spans = %v, want one named %q", spans.Snapshots(), tt.wantSpan)
			}
			var status int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != int64(tt.wantCode) {
				t.Errorf("span status attribute = %d, want %d", status, tt.wantCode)
			}
		})
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	tests := []struct {
		name   string
		header http.Header
		want   string // empty means any 32-char ID
	}{
		{name: "new trace"},
		{
			name:   "continues traceparent",
			header: http.Header{"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"}},
			want:   traceID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.serve(http.MethodGet, "/v1/session/s1/turns", tt.header)
			got := rec.Header().Get(CorrelationHeader)
			if len(got) != 32 {
				t.Fatalf("%s = %q, want a 32-char trace ID", CorrelationHeader, got)
			}
			if tt.want != "" && got != tt.want {
				t.Errorf("%s = %q, want %q", CorrelationHeader, got, tt.want)
			}
			if rec.Header().Get("Traceparent") == "" {
				t.Error("trace context was not injected into the response")
			}
		})
	}
}

func TestMiddleware_NonMuxHandler(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	hist := findMetric(rm, "attune.http.request.duration").Data.(metricdata.Histogram[float64])
	if v, _ := hist.DataPoints[0].Attributes.Value("route"); v.AsString() != "GET /raw" {
		t.Errorf("route = %q, want %q", v.AsString(), "GET /raw")
	}
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 204: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 0: "other", 700: "other"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
