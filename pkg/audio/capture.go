package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeviceLost is returned by [Stream.Read] when the physical device
// disappeared (unplugged, revoked permissions, driver reset). It is terminal
// for the stream.
var ErrDeviceLost = errors.New("audio: capture device lost")

// ErrStreamClosed is returned by [Stream.Read] after [Stream.Close].
var ErrStreamClosed = errors.New("audio: stream closed")

// CaptureConfig describes the constraints a capture device is opened with.
type CaptureConfig struct {
	// Device selects the input device by name. Empty selects the system default.
	Device string `yaml:"device"`

	// SampleRate in Hz. Speech pipelines usually run at 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per frame (the tick size). At 16 kHz
	// a frame of 320 samples yields a 20 ms cadence.
	FrameSize int `yaml:"frame_size"`

	// EchoCancellation, NoiseSuppression and AutoGainControl are forwarded to
	// sources that support them; others ignore the hints.
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
}

// Validate checks that the constraints are physically meaningful.
func (c CaptureConfig) Validate() error {
	var errs []error
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio: sample_rate %d outside [8000, 192000]", c.SampleRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio: frame_size must be > 0, got %d", c.FrameSize))
	}
	return errors.Join(errs...)
}

// FrameDuration returns the tick cadence implied by the config.
func (c CaptureConfig) FrameDuration() time.Duration {
	return SamplesDuration(c.FrameSize, c.SampleRate)
}

// Fallback returns the next reduced-quality profile to try after c failed to
// open: the sample rate steps down to 16 kHz and then 8 kHz, and the frame size
// is halved (keeping at least 10 ms of audio). ok is false when no further
// reduction is possible.
func (c CaptureConfig) Fallback() (next CaptureConfig, ok bool) {
	next = c
	switch {
	case c.SampleRate > 16000:
		next.SampleRate = 16000
	case c.SampleRate > 8000:
		next.SampleRate = 8000
	}
	// Keep the same frame duration at the new rate, then halve it.
	next.FrameSize = c.FrameSize * next.SampleRate / c.SampleRate
	if half := next.FrameSize / 2; half >= next.SampleRate/100 {
		next.FrameSize = half
	}
	if next.SampleRate == c.SampleRate && next.FrameSize == c.FrameSize {
		return c, false
	}
	return next, true
}

// Source opens capture streams on a physical or virtual input device.
// Implementations must be safe for concurrent use, but callers should treat a
// device as exclusively owned by whoever opened it.
type Source interface {
	// Open acquires the device with the given constraints. Open must return
	// promptly; it must not block waiting for the first frame.
	Open(ctx context.Context, cfg CaptureConfig) (Stream, error)
}

// Stream is an open capture handle delivering frames at the device cadence.
type Stream interface {
	// Read blocks until the next frame is available and returns it. It returns
	// [ErrDeviceLost] if the device disappeared, [ErrStreamClosed] after Close,
	// or ctx.Err() if ctx is cancelled.
	Read(ctx context.Context) (Frame, error)

	// Config returns the constraints the stream was actually opened with.
	Config() CaptureConfig

	// Close releases the device. Close is idempotent.
	Close() error
}

// Sink is a playback device. Write blocks for roughly the duration of the
// frame so that the caller is paced in real time.
type Sink interface {
	Write(frame Frame) error
	Close() error
}
