package app

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/MrWong99/attune/internal/engine"
)

func TestControl_Status(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	f.run(t)

	rec := f.do(t, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/status = %d", rec.Code)
	}
	var body struct {
		SessionID string `json:"session_id"`
		Engine    struct {
			State string `json:"state"`
		} `json:"engine"`
		Bus struct {
			Consumers []struct {
				ID       string `json:"id"`
				Category string `json:"category"`
			} `json:"consumers"`
		} `json:"bus"`
		Playback struct {
			Playing bool `json:"playing"`
		} `json:"playback"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID != "test-session" {
		t.Errorf("session_id = %q, want test-session", body.SessionID)
	}
	if body.Engine.State != "listening" {
		t.Errorf("engine.state = %q, want listening", body.Engine.State)
	}
	if len(body.Bus.Consumers) != 1 || body.Bus.Consumers[0].Category != "conversation" {
		t.Errorf("bus.consumers = %+v", body.Bus.Consumers)
	}
	if body.Playback.Playing {
		t.Error("playback.playing = true on an idle session")
	}
}

func TestControl_StopStart(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	f.run(t)

	steps := []struct {
		method, path string
		wantCode     int
		wantState    engine.State
	}{
		{http.MethodPost, "/v1/session/stop", http.StatusOK, engine.StateIdle},
		{http.MethodPost, "/v1/session/stop", http.StatusOK, engine.StateIdle},
		{http.MethodPost, "/v1/session/start", http.StatusOK, engine.StateListening},
		{http.MethodPost, "/v1/session/start", http.StatusConflict, engine.StateListening},
		{http.MethodPost, "/v1/session/resume", http.StatusConflict, engine.StateListening},
	}
	for _, s := range steps {
		rec := f.do(t, s.method, s.path, "")
		if rec.Code != s.wantCode {
			t.Fatalf("%s %s = %d, want %d: %s", s.method, s.path, rec.Code, s.wantCode, rec.Body)
		}
		if got := f.app.Engine().State(); got != s.wantState {
			t.Fatalf("after %s: state = %v, want %v", s.path, got, s.wantState)
		}
	}
}

func TestControl_Text(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		running  bool
		wantCode int
	}{
		{name: "not running", body: `{"text":"hi"}`, wantCode: http.StatusConflict},
		{name: "malformed", body: `{"text":`, running: true, wantCode: http.StatusBadRequest},
		{name: "empty", body: `{"text":"   "}`, running: true, wantCode: http.StatusBadRequest},
		{name: "accepted", body: `{"text":"hi"}`, running: true, wantCode: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(t), nil)
			if tt.running {
				f.run(t)
			}
			rec := f.do(t, http.MethodPost, "/v1/text", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantCode >= 400 && !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("error body = %s", rec.Body)
			}
		})
	}
}

func TestControl_StartBeforeRun(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	if rec := f.do(t, http.MethodPost, "/v1/session/start", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
}

func TestControl_Readyz(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)

	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before Run = %d, want 503", rec.Code)
	}
	f.run(t)
	waitFor(t, "ready", func() bool {
		rec := f.do(t, http.MethodGet, "/readyz", "")
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"status":"ok"`)
	})
}

func TestControl_Metrics(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	if rec := f.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
}
