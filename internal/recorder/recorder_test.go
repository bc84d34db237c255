package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/attune/internal/bus"
	"github.com/MrWong99/attune/pkg/audio/codec"
)

const rate = 16000

func frame(v float32) []float32 {
	f := make([]float32, 320)
	for i := range f {
		f[i] = v
	}
	return f
}

func newTestRecorder(t *testing.T, segment time.Duration) *Recorder {
	t.Helper()
	r, err := New(Config{Dir: t.TempDir(), SegmentLength: segment, SampleRate: rate}, "session")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func decode(t *testing.T, path string) []float32 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	samples, got, err := codec.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV %s: %v", path, err)
	}
	if got != rate {
		t.Fatalf("rate = %d, want %d", got, rate)
	}
	return samples
}

func TestRecorder_RollsSegments(t *testing.T) {
	r := newTestRecorder(t, 100*time.Millisecond) // 1600 samples
	h := r.Handler()
	for range 7 { // 2240 samples
		h.OnAudioFrame(frame(0.25), rate)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files := r.Files()
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2", files)
	}
	if got := filepath.Base(files[0]); got != "session-0001.wav" {
		t.Errorf("first file = %s, want session-0001.wav", got)
	}
	if n := len(decode(t, files[0])); n != 1600 {
		t.Errorf("first file = %d samples, want 1600", n)
	}
	if n := len(decode(t, files[1])); n != 640 {
		t.Errorf("second file = %d samples, want 640", n)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(files[0]), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestRecorder_BusErrorFlushes(t *testing.T) {
	r := newTestRecorder(t, time.Minute)
	t.Cleanup(func() { _ = r.Close() })
	h := r.Handler()
	for range 3 {
		h.OnAudioFrame(frame(0.1), rate)
	}
	h.OnError("capture device lost")

	deadline := time.Now().Add(2 * time.Second)
	for len(r.Files()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bus error did not flush the open segment")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(decode(t, r.Files()[0])); n != 960 {
		t.Fatalf("flushed file = %d samples, want 960", n)
	}
}

func TestRecorder_Close(t *testing.T) {
	r := newTestRecorder(t, time.Minute)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(r.Files()) != 0 {
		t.Fatal("empty recording produced a file")
	}
	// Frames after Close are ignored.
	r.Handler().OnAudioFrame(frame(0.1), rate)
	if err := r.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestRecorder_Registration(t *testing.T) {
	r := newTestRecorder(t, time.Minute)
	t.Cleanup(func() { _ = r.Close() })
	reg := r.Registration("rec", 1)
	if reg.Category != bus.CategoryRecording || reg.Format.SampleRate != rate || !reg.Active {
		t.Fatalf("registration = %+v", reg)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{Dir: "rec"}.WithDefaults(), true},
		{"missing dir", Config{}.WithDefaults(), false},
		{"tiny segments", Config{Dir: "rec", SegmentLength: time.Millisecond, SampleRate: rate, Queue: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
