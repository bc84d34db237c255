// Package energy implements [vad.Engine] with a short-window RMS energy
// detector and an adaptive threshold.
//
// The threshold is max(MinThreshold, mean(last N background energies) ×
// Multiplier). Once the window is full only frames classified as background
// feed the average, so a long utterance does not raise the threshold above
// its own level and cut itself off. While the window is still filling, speech
// frames contribute the current threshold instead of their own energy, which
// lets the detector calibrate to ambient noise that starts above the floor.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// errClosed is returned by ProcessFrame after Close.
var errClosed = errors.New("energy: session closed")

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return NewSession(cfg)
}

// NewSession creates a standalone session. It is exported so callers that do
// not need the Engine indirection can hold a concrete *Session.
func NewSession(cfg vad.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &Session{cfg: cfg, history: make([]float64, cfg.WindowFrames)}, nil
}

// Session is a stateful detector for one stream. It is safe for concurrent
// use, although callers normally drive it from a single goroutine.
type Session struct {
	cfg vad.Config

	mu       sync.Mutex
	history  []float64 // ring buffer of background energies
	next     int
	filled   int
	sum      float64
	speaking bool
	closed   bool
}

// Threshold returns the current adaptive threshold.
func (s *Session) Threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholdLocked()
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(samples []float32) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}

	energy := audio.RMS(samples)
	threshold := s.thresholdLocked()
	speech := energy > threshold

	ev := vad.VADEvent{Energy: energy, Threshold: threshold}
	if threshold > 0 {
		ev.Probability = min(energy/(2*threshold), 1)
	}
	switch {
	case speech && !s.speaking:
		ev.Type = vad.VADSpeechStart
	case speech:
		ev.Type = vad.VADSpeechContinue
	case s.speaking:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	s.speaking = speech
	switch {
	case !speech:
		s.pushLocked(energy)
	case s.filled < len(s.history):
		s.pushLocked(threshold)
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.history)
	s.next, s.filled, s.sum, s.speaking = 0, 0, 0, false
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) pushLocked(energy float64) {
	if s.filled == len(s.history) {
		s.sum -= s.history[s.next]
	} else {
		s.filled++
	}
	s.history[s.next] = energy
	s.sum += energy
	s.next = (s.next + 1) % len(s.history)
}

func (s *Session) thresholdLocked() float64 {
	if s.filled == 0 {
		return s.cfg.MinThreshold
	}
	return max(s.cfg.MinThreshold, s.sum/float64(s.filled)*s.cfg.Multiplier)
}
