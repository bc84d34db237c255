// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (an adaptive energy gate, a
// WebRTC-style classifier, or a neural model) and surfaces it as a stateful,
// per-stream session. Each session maintains its own internal state (energy
// history, edge tracking) so that the bus gate and the conversation segmenter
// can classify the same stream independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, making it suitable for the non-blocking capture tick.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "fmt"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of frames passed to
	// ProcessFrame.
	SampleRate int `yaml:"sample_rate"`

	// WindowFrames is the number of recent background frames averaged to
	// estimate the noise floor. Typical: 50 (one second of 20 ms frames).
	WindowFrames int `yaml:"window_frames"`

	// Multiplier scales the noise floor to obtain the speech threshold.
	// Typical: 2.0.
	Multiplier float64 `yaml:"multiplier"`

	// MinThreshold floors the adaptive threshold so that digital silence
	// does not make every faint click count as speech. Typical: 0.01 RMS.
	MinThreshold float64 `yaml:"min_threshold"`
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("vad: sample_rate must be > 0, got %d", c.SampleRate)
	case c.WindowFrames <= 0:
		return fmt.Errorf("vad: window_frames must be > 0, got %d", c.WindowFrames)
	case c.Multiplier < 1:
		return fmt.Errorf("vad: multiplier must be >= 1, got %g", c.Multiplier)
	case c.MinThreshold < 0 || c.MinThreshold > 1:
		return fmt.Errorf("vad: min_threshold must be in [0, 1], got %g", c.MinThreshold)
	}
	return nil
}

// DefaultConfig returns a configuration suitable for 16 kHz speech.
func DefaultConfig() Config {
	return Config{SampleRate: 16000, WindowFrames: 50, Multiplier: 2.0, MinThreshold: 0.01}
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine. Reset clears detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of mono float samples and returns
	// the detection result. It must not block.
	ProcessFrame(samples []float32) (VADEvent, error)

	// Reset clears all accumulated detection state. Use this when the stream
	// restarts so that stale history does not affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
