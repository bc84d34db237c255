package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/mock"
	"github.com/MrWong99/attune/pkg/provider/vad"
	vadmock "github.com/MrWong99/attune/pkg/provider/vad/mock"
)

func TestGate_Hangover(t *testing.T) {
	session := &vadmock.Session{
		Script:  vadmock.Pattern(".s$..."),
		Default: vad.VADEvent{Type: vad.VADSilence},
	}
	// 50 ms of hangover at 20 ms frames rounds up to three frames.
	g := newGate(session, 50*time.Millisecond, 20*time.Millisecond)

	want := []bool{false, true, true, true, true, false, false}
	for i, w := range want {
		if got := g.open(make([]float32, 320)); got != w {
			t.Fatalf("frame %d: open = %v, want %v", i, got, w)
		}
	}
	if frames, _, _ := session.Counts(); frames != len(want) {
		t.Errorf("ProcessFrame calls = %d, want %d", frames, len(want))
	}
}

func TestGate_FailsOpen(t *testing.T) {
	session := &vadmock.Session{Err: errors.New("detector broke")}
	g := newGate(session, 0, 20*time.Millisecond)
	if !g.open(make([]float32, 320)) {
		t.Fatal("gate closed on detector error")
	}
}

func TestGate_ResetAndClose(t *testing.T) {
	session := &vadmock.Session{
		Script:  vadmock.Pattern("^"),
		Default: vad.VADEvent{Type: vad.VADSilence},
	}
	g := newGate(session, time.Second, 20*time.Millisecond)
	g.open(nil)
	g.reset()
	if g.open(nil) {
		t.Error("hangover survived reset")
	}
	if err := g.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, resets, closes := session.Counts(); resets != 1 || closes != 1 {
		t.Errorf("resets = %d, closes = %d, want 1 and 1", resets, closes)
	}
}

func TestBus_GateSessionFromEngine(t *testing.T) {
	tests := []struct {
		name    string
		engine  *vadmock.Engine
		wantErr bool
	}{
		{name: "session opened", engine: &vadmock.Engine{}},
		{name: "engine fails", engine: &vadmock.Engine{Err: errors.New("no model")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mock.Source{Frames: make(chan audio.Frame, 1)}
			b := New(src, Config{
				Gating:    true,
				OpenRetry: resilience.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond},
			}, WithMetrics(testMetrics(t)), WithVAD(tt.engine))
			t.Cleanup(func() { _ = b.Close() })

			err := b.Initialize(context.Background(), capture16k)
			var cerr *ConfigurationError
			if tt.wantErr {
				if !errors.As(err, &cerr) || cerr.Field != "vad" {
					t.Fatalf("Initialize = %v, want vad ConfigurationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			cfgs := tt.engine.Configs()
			if len(cfgs) != 1 || cfgs[0].SampleRate != capture16k.SampleRate {
				t.Errorf("NewSession configs = %+v, want one at %d Hz", cfgs, capture16k.SampleRate)
			}
		})
	}
}
