// Package device implements [audio.Source] and [audio.Sink] on top of the
// host's sound system via PortAudio.
//
// PortAudio requires process-wide initialisation; [Init] must be called once
// before opening devices and the returned release function once at shutdown.
// Streams use the blocking read/write API, so the bus capture loop is paced by
// the hardware clock.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/attune/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*stream)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// Init initialises PortAudio and returns a function that terminates it.
func Init() (release func() error, err error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("device: initialise portaudio: %w", err)
	}
	return portaudio.Terminate, nil
}

// Source opens capture streams on a PortAudio input device.
type Source struct{}

// NewSource returns a PortAudio-backed capture source.
func NewSource() *Source { return &Source{} }

// Open implements [audio.Source]. cfg.Device selects an input device by
// case-insensitive substring match on its name; empty selects the default.
func (s *Source) Open(_ context.Context, cfg audio.CaptureConfig) (audio.Stream, error) {
	dev, err := findDevice(cfg.Device, true)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FrameSize

	st := &stream{cfg: cfg, buf: make([]float32, cfg.FrameSize)}
	pa, err := portaudio.OpenStream(params, st.buf)
	if err != nil {
		return nil, fmt.Errorf("device: open input %q at %d Hz: %w", dev.Name, cfg.SampleRate, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		return nil, fmt.Errorf("device: start input %q: %w", dev.Name, err)
	}
	st.pa = pa
	slog.Info("capture device opened", "device", dev.Name, "sample_rate", cfg.SampleRate, "frame_size", cfg.FrameSize)
	return st, nil
}

type stream struct {
	cfg audio.CaptureConfig
	buf []float32

	mu      sync.Mutex
	pa      *portaudio.Stream
	samples int64
	closed  bool
}

// Read implements [audio.Stream]. Input overflows are logged and tolerated;
// any other read error is reported as [audio.ErrDeviceLost].
func (s *stream) Read(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.Frame{}, audio.ErrStreamClosed
	}
	if err := s.pa.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			slog.Debug("capture input overflowed")
		} else {
			return audio.Frame{}, fmt.Errorf("%w: %v", audio.ErrDeviceLost, err)
		}
	}
	f := audio.Frame{
		Samples:    append([]float32(nil), s.buf...),
		SampleRate: s.cfg.SampleRate,
		Timestamp:  audio.SamplesDuration(int(s.samples), s.cfg.SampleRate),
	}
	s.samples += int64(len(s.buf))
	return f, nil
}

// Config implements [audio.Stream].
func (s *stream) Config() audio.CaptureConfig { return s.cfg }

// Close implements [audio.Stream].
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.pa.Stop()
	return s.pa.Close()
}

// Sink plays frames on a PortAudio output device using blocking writes.
// Frames are resampled to the device rate when needed.
type Sink struct {
	mu        sync.Mutex
	pa        *portaudio.Stream
	buf       []float32
	rate      int
	resampler audio.Resampler
}

// NewSink opens an output stream on the named device (empty for default) at
// sampleRate with a buffer of frameSize samples.
func NewSink(name string, sampleRate, frameSize int) (*Sink, error) {
	dev, err := findDevice(name, false)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = frameSize

	s := &Sink{buf: make([]float32, frameSize), rate: sampleRate, resampler: audio.Resampler{TargetRate: sampleRate}}
	pa, err := portaudio.OpenStream(params, s.buf)
	if err != nil {
		return nil, fmt.Errorf("device: open output %q: %w", dev.Name, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		return nil, fmt.Errorf("device: start output %q: %w", dev.Name, err)
	}
	s.pa = pa
	return s, nil
}

// Write implements [audio.Sink]. It blocks until the samples were handed to
// the device, one buffer at a time; a trailing partial buffer is zero-padded.
func (s *Sink) Write(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := s.resampler.Convert(f).Samples
	for off := 0; off < len(samples); off += len(s.buf) {
		n := copy(s.buf, samples[off:])
		clear(s.buf[n:])
		if err := s.pa.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("device: write output: %w", err)
		}
	}
	return nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.pa.Stop()
	return s.pa.Close()
}

// List returns the names of all devices that can capture (input=true) or
// play (input=false).
func List(input bool) ([]string, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("device: list devices: %w", err)
	}
	var names []string
	for _, d := range devs {
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		var (
			dev *portaudio.DeviceInfo
			err error
		)
		if input {
			dev, err = portaudio.DefaultInputDevice()
		} else {
			dev, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("device: default device: %w", err)
		}
		return dev, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("device: list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, d := range devs {
		if !strings.Contains(strings.ToLower(d.Name), want) {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device: no %s device matching %q", direction(input), name)
}

func direction(input bool) string {
	if input {
		return "input"
	}
	return "output"
}
