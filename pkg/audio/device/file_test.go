package device_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/codec"
	"github.com/MrWong99/attune/pkg/audio/device"
)

func writeWAV(t *testing.T, samples []float32, rate int) string {
	t.Helper()
	data, err := codec.EncodeWAV(samples, rate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestFileSource_ReplaysThenReportsDeviceLost(t *testing.T) {
	path := writeWAV(t, make([]float32, 400), 16000)
	src := &device.FileSource{Path: path}

	st, err := src.Open(context.Background(), audio.CaptureConfig{SampleRate: 16000, FrameSize: 160})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	var frames int
	for {
		f, err := st.Read(context.Background())
		if errors.Is(err, audio.ErrDeviceLost) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(f.Samples) != 160 || f.SampleRate != 16000 {
			t.Fatalf("frame = %d samples @ %d Hz", len(f.Samples), f.SampleRate)
		}
		frames++
	}
	if frames != 3 {
		t.Fatalf("frames = %d, want 3 (400 samples in 160-sample frames)", frames)
	}
}

func TestFileSource_CloseUnblocksRead(t *testing.T) {
	path := writeWAV(t, make([]float32, 16000), 16000)
	src := &device.FileSource{Path: path, Loop: true}
	st, err := src.Open(context.Background(), audio.CaptureConfig{SampleRate: 16000, FrameSize: 320})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st.Close()
	if _, err := st.Read(context.Background()); !errors.Is(err, audio.ErrStreamClosed) {
		t.Fatalf("Read after Close = %v, want ErrStreamClosed", err)
	}
}

func TestFileSource_MissingFile(t *testing.T) {
	src := &device.FileSource{Path: filepath.Join(t.TempDir(), "nope.wav")}
	if _, err := src.Open(context.Background(), audio.CaptureConfig{SampleRate: 16000, FrameSize: 320}); err == nil {
		t.Fatal("expected error for missing file")
	}
}
