package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/attune/internal/bus"
	"github.com/MrWong99/attune/internal/engine"
	"github.com/MrWong99/attune/internal/health"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/sessionlog"
)

// maxTextBody bounds POST /v1/text request bodies.
const maxTextBody = 64 << 10

// routes builds the HTTP handler: health probes, the control API and the
// Prometheus scrape endpoint, all behind the observability middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	a.health().Register(mux)
	mux.Handle("GET "+a.cfg.Observability.MetricsPath, promhttp.Handler())

	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("GET /v1/session/turns", a.handleTurns)
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("POST /v1/session/resume", a.handleResume)
	mux.HandleFunc("POST /v1/text", a.handleText)

	return observe.Middleware(a.metrics)(mux)
}

// health returns the readiness checks. A lost microphone only degrades the
// service while text input still works.
func (a *App) health() *health.Handler {
	return health.New(
		health.Checker{Name: "conversation", Check: func(context.Context) error {
			if st := a.engine.State(); st == engine.StateIdle {
				return errors.New("no active session")
			}
			return nil
		}},
		health.Checker{Name: "capture", Optional: true, Check: func(context.Context) error {
			if st := a.bus.State(); st != bus.StateStreaming {
				return fmt.Errorf("bus %s", st)
			}
			return nil
		}},
		health.Checker{Name: "consumers", Optional: true, Check: func(context.Context) error {
			if ids := a.bus.Status().Unhealthy(); len(ids) > 0 {
				return fmt.Errorf("unhealthy: %s", strings.Join(ids, ", "))
			}
			return nil
		}},
	)
}

// ─── status ──────────────────────────────────────────────────────────────────

type statusResponse struct {
	SessionID string        `json:"session_id"`
	Capture   bool          `json:"capture_available"`
	Engine    engine.Status `json:"engine"`
	Bus       busView       `json:"bus"`
	Playback  playbackView  `json:"playback"`
}

type playbackView struct {
	Playing bool `json:"playing"`
	// Pending is omitted for mixers that do not report their queue.
	Pending *int `json:"pending,omitempty"`
}

func (a *App) playbackView() playbackView {
	v := playbackView{Playing: a.mixer.Playing()}
	if q, ok := a.mixer.(interface{ Pending() int }); ok {
		n := q.Pending()
		v.Pending = &n
	}
	return v
}

type busView struct {
	State     bus.State      `json:"state"`
	Capture   captureView    `json:"capture"`
	Gating    bool           `json:"gating"`
	Consumers []consumerView `json:"consumers"`
}

type captureView struct {
	Device     string `json:"device,omitempty"`
	SampleRate int    `json:"sample_rate"`
	FrameSize  int    `json:"frame_size"`
}

type consumerView struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Category  bus.Category   `json:"category"`
	Priority  int            `json:"priority"`
	Encoding  audio.Encoding `json:"encoding,omitempty"`
	Active    bool           `json:"active"`
	Receiving bool           `json:"receiving"`
	Received  int64          `json:"received"`
	Lost      int64          `json:"lost"`
	LossRatio float64        `json:"loss_ratio"`
	LatencyMS float64        `json:"latency_ms"`
	Quality   bus.Quality    `json:"quality"`
	Healthy   bool           `json:"healthy"`
}

func newBusView(s bus.Status) busView {
	v := busView{
		State: s.State,
		Capture: captureView{
			Device:     s.Capture.Device,
			SampleRate: s.Capture.SampleRate,
			FrameSize:  s.Capture.FrameSize,
		},
		Gating:    s.Gating,
		Consumers: make([]consumerView, 0, len(s.Consumers)),
	}
	for _, c := range s.Consumers {
		v.Consumers = append(v.Consumers, consumerView{
			ID:        c.ID,
			Name:      c.Name,
			Category:  c.Category,
			Priority:  c.Priority,
			Encoding:  c.Format.Encoding,
			Active:    c.Active,
			Receiving: c.Receiving,
			Received:  c.Received,
			Lost:      c.Lost,
			LossRatio: c.LossRatio,
			LatencyMS: float64(c.Latency) / float64(time.Millisecond),
			Quality:   c.Quality,
			Healthy:   c.Healthy,
		})
	}
	return v
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		SessionID: a.sessionID,
		Capture:   a.CaptureAvailable(),
		Engine:    a.engine.Status(),
		Bus:       newBusView(a.bus.Status()),
		Playback:  a.playbackView(),
	})
}

func (a *App) handleTurns(w http.ResponseWriter, _ *http.Request) {
	turns := a.log.Turns()
	if turns == nil {
		turns = []sessionlog.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// ─── session control ─────────────────────────────────────────────────────────

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	a.runMu.Lock()
	ctx := a.runCtx
	a.runMu.Unlock()
	if ctx == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("app is not running"))
		return
	}
	if err := a.engine.Start(ctx); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	a.requestLogger(r).Info("session started via control API")
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	a.engine.Stop()
	a.requestLogger(r).Info("session stopped via control API")
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *App) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Resume(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	a.requestLogger(r).Warn("session resumed after hand-off")
	writeJSON(w, http.StatusOK, a.engine.Status())
}

type textRequest struct {
	Text string `json:"text"`
}

func (a *App) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTextBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	err := a.engine.SubmitText(r.Context(), req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, a.engine.Status())
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestLogger returns a logger tagged with the request trace and the
// session ID.
func (a *App) requestLogger(r *http.Request) *slog.Logger {
	return observe.Logger(observe.WithSessionID(r.Context(), a.sessionID))
}
