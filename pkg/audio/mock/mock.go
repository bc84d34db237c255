// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.Stream], [audio.Sink], and [audio.Mixer] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	frames := make(chan audio.Frame, 16)
//	src := &mock.Source{Frames: frames}
//	bus := bus.New(src, bus.Config{MaxConsumers: 5})
//	frames <- audio.Frame{Samples: make([]float32, 320), SampleRate: 16000}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Each successful Open
// returns a [Stream] that reads from Frames.
type Source struct {
	mu sync.Mutex

	// Frames feeds every stream opened from this source. Closing it makes
	// Read return [audio.ErrDeviceLost].
	Frames chan audio.Frame

	// OpenErrors is consumed front to back: the n-th Open call returns
	// OpenErrors[n] when n < len(OpenErrors), and succeeds afterwards.
	OpenErrors []error

	// OpenCalls records the config of every Open invocation.
	OpenCalls []audio.CaptureConfig

	// Streams records every stream handed out.
	Streams []*Stream
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, cfg audio.CaptureConfig) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.OpenCalls)
	s.OpenCalls = append(s.OpenCalls, cfg)
	if n < len(s.OpenErrors) && s.OpenErrors[n] != nil {
		return nil, s.OpenErrors[n]
	}
	st := &Stream{cfg: cfg, frames: s.Frames, closed: make(chan struct{})}
	s.Streams = append(s.Streams, st)
	return st, nil
}

// OpenCount returns how many times Open was called.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream].
type Stream struct {
	cfg    audio.CaptureConfig
	frames chan audio.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// Read implements [audio.Stream].
func (s *Stream) Read(ctx context.Context) (audio.Frame, error) {
	select {
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	case <-s.closed:
		return audio.Frame{}, audio.ErrStreamClosed
	case f, ok := <-s.frames:
		if !ok {
			return audio.Frame{}, audio.ErrDeviceLost
		}
		return f, nil
	}
}

// Config implements [audio.Stream].
func (s *Stream) Config() audio.CaptureConfig { return s.cfg }

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink] that records written frames.
type Sink struct {
	mu sync.Mutex

	// RealTime makes Write sleep for the frame's duration, like a device.
	RealTime bool

	// WriteErr is returned by every Write when non-nil.
	WriteErr error

	// Written holds copies of every frame written.
	Written []audio.Frame

	// CloseCount records how many times Close was called.
	CloseCount int
}

// Write implements [audio.Sink].
func (s *Sink) Write(f audio.Frame) error {
	s.mu.Lock()
	rt, err := s.RealTime, s.WriteErr
	if err == nil {
		cp := audio.Frame{Samples: append([]float32(nil), f.Samples...), SampleRate: f.SampleRate}
		s.Written = append(s.Written, cp)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if rt {
		time.Sleep(f.Duration())
	}
	return nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}

// Samples returns the total number of samples written so far.
func (s *Sink) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.Written {
		n += len(f.Samples)
	}
	return n
}

// ─── Mixer ────────────────────────────────────────────────────────────────────

// EnqueueCall records the arguments of a single [Mixer.Enqueue] invocation.
type EnqueueCall struct {
	// Segment is the segment passed to Enqueue.
	Segment *audio.Segment
	// Priority is the priority argument passed to Enqueue.
	Priority int
}

// Mixer is a mock implementation of [audio.Mixer]. Enqueued segments are
// drained and finished immediately unless Hold is set, in which case they
// stay "playing" until Interrupt or Release is called.
type Mixer struct {
	mu sync.Mutex

	// Hold keeps enqueued segments playing until interrupted or released.
	Hold bool

	// EnqueueCalls records all Enqueue invocations.
	EnqueueCalls []EnqueueCall

	// InterruptCalls records all Interrupt reasons.
	InterruptCalls []audio.InterruptReason

	// SetGapCalls records all SetGap durations.
	SetGapCalls []time.Duration

	held []*audio.Segment
}

// Enqueue implements [audio.Mixer].
func (m *Mixer) Enqueue(segment *audio.Segment, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnqueueCalls = append(m.EnqueueCalls, EnqueueCall{Segment: segment, Priority: priority})
	go audio.Drain(segment.Audio)
	if m.Hold {
		m.held = append(m.held, segment)
		return
	}
	segment.Finish(false)
}

// Interrupt implements [audio.Mixer]. Every held segment finishes as
// interrupted.
func (m *Mixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InterruptCalls = append(m.InterruptCalls, reason)
	for _, s := range m.held {
		s.Finish(true)
	}
	m.held = nil
}

// Playing implements [audio.Mixer].
func (m *Mixer) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held) > 0
}

// SetGap implements [audio.Mixer].
func (m *Mixer) SetGap(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetGapCalls = append(m.SetGapCalls, d)
}

// Release finishes every held segment as played to completion.
func (m *Mixer) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.held {
		s.Finish(false)
	}
	m.held = nil
}

// Interrupts returns a copy of InterruptCalls.
func (m *Mixer) Interrupts() []audio.InterruptReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.InterruptReason(nil), m.InterruptCalls...)
}

// Enqueued returns a copy of EnqueueCalls.
func (m *Mixer) Enqueued() []EnqueueCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EnqueueCall(nil), m.EnqueueCalls...)
}

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
	_ audio.Sink   = (*Sink)(nil)
	_ audio.Mixer  = (*Mixer)(nil)
)
