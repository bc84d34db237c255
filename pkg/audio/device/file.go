package device

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/codec"
)

// FileSource replays a WAV or MP3 file as if it were a live microphone,
// pacing frames at the capture cadence. It is meant for demos and soak tests
// on machines without an input device.
type FileSource struct {
	Path string

	// Loop restarts playback at the end of the file instead of reporting
	// [audio.ErrDeviceLost].
	Loop bool
}

var _ audio.Source = (*FileSource)(nil)

// Open implements [audio.Source]. The file is decoded and resampled to
// cfg.SampleRate up front.
func (f *FileSource) Open(_ context.Context, cfg audio.CaptureConfig) (audio.Stream, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("device: read %s: %w", f.Path, err)
	}
	samples, rate, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("device: decode %s: %w", f.Path, err)
	}
	samples = audio.Resample(samples, rate, cfg.SampleRate)
	return &fileStream{
		cfg:     cfg,
		samples: samples,
		loop:    f.Loop,
		ticker:  time.NewTicker(cfg.FrameDuration()),
		closed:  make(chan struct{}),
	}, nil
}

type fileStream struct {
	cfg     audio.CaptureConfig
	samples []float32
	loop    bool
	ticker  *time.Ticker

	pos, emitted int
	closeOnce    sync.Once
	closed       chan struct{}
}

func (s *fileStream) Read(ctx context.Context) (audio.Frame, error) {
	select {
	case <-s.closed:
		return audio.Frame{}, audio.ErrStreamClosed
	default:
	}
	select {
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	case <-s.closed:
		return audio.Frame{}, audio.ErrStreamClosed
	case <-s.ticker.C:
	}
	if s.pos >= len(s.samples) {
		if !s.loop || len(s.samples) == 0 {
			return audio.Frame{}, audio.ErrDeviceLost
		}
		s.pos = 0
	}
	frame := make([]float32, s.cfg.FrameSize)
	n := copy(frame, s.samples[s.pos:])
	s.pos += n
	f := audio.Frame{
		Samples:    frame,
		SampleRate: s.cfg.SampleRate,
		Timestamp:  audio.SamplesDuration(s.emitted, s.cfg.SampleRate),
	}
	s.emitted += len(frame)
	return f, nil
}

func (s *fileStream) Config() audio.CaptureConfig { return s.cfg }

func (s *fileStream) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}
