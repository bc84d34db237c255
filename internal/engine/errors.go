package engine

import (
	"errors"
	"fmt"

	"github.com/MrWong99/attune/internal/safety"
)

var (
	// ErrNotRunning is returned by operations that need a started engine.
	ErrNotRunning = errors.New("engine: not running")

	// ErrBusy is returned by [Engine.SubmitText] while a turn is in flight.
	ErrBusy = errors.New("engine: turn in progress")

	// ErrNotPaused is returned by [Engine.Resume] outside crisis-paused.
	ErrNotPaused = errors.New("engine: not paused")
)

// TranscriptionError reports that transcription failed after every retry.
type TranscriptionError struct{ Err error }

func (e *TranscriptionError) Error() string { return "engine: transcription: " + e.Err.Error() }
func (e *TranscriptionError) Unwrap() error { return e.Err }

// GenerationError reports that response generation failed after every
// retry.
type GenerationError struct{ Err error }

func (e *GenerationError) Error() string { return "engine: generation: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// SynthesisError reports that speech could not be synthesized or played.
type SynthesisError struct {
	// Stage is "synthesis" or "playback".
	Stage string
	Err   error
}

func (e *SynthesisError) Error() string { return fmt.Sprintf("engine: %s: %v", e.Stage, e.Err) }
func (e *SynthesisError) Unwrap() error { return e.Err }

// CrisisHandlingError reports that a crisis intervention could not be
// delivered. The engine ends the session when it occurs.
type CrisisHandlingError struct {
	Tier safety.Tier
	Err  error
}

func (e *CrisisHandlingError) Error() string {
	return fmt.Sprintf("engine: crisis intervention (%s): %v", e.Tier, e.Err)
}
func (e *CrisisHandlingError) Unwrap() error { return e.Err }

// AudioError reports a failure of the capture subsystem forwarded by the
// bus.
type AudioError struct{ Message string }

func (e *AudioError) Error() string { return "engine: audio subsystem: " + e.Message }
