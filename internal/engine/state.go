package engine

import (
	"errors"
	"slices"
)

// ErrInvalidTransition is returned when a state change is not in the
// transition table.
var ErrInvalidTransition = errors.New("engine: invalid state transition")

// State is the conversation state. Exactly one state is active per engine.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessingSTT
	StateAIProcessing
	StateSynthesizing
	StateSpeaking
	StateInterrupted
	StateCrisisMode
	StateCrisisPaused
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessingSTT:
		return "processing-stt"
	case StateAIProcessing:
		return "ai-processing"
	case StateSynthesizing:
		return "synthesizing"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateCrisisMode:
		return "crisis-mode"
	case StateCrisisPaused:
		return "crisis-paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so states render by name in
// JSON status payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Busy reports whether a turn is in flight.
func (s State) Busy() bool {
	switch s {
	case StateProcessingSTT, StateAIProcessing, StateSynthesizing, StateSpeaking:
		return true
	}
	return false
}

// transitions is the complete table of permitted state changes. Every state
// may be stopped into idle; every running state may escalate into
// crisis-mode. ai-processing returns to listening directly only when the
// reply is delivered as text.
var transitions = map[State][]State{
	StateIdle:          {StateListening},
	StateListening:     {StateProcessingSTT, StateInterrupted, StateCrisisMode, StateError, StateIdle},
	StateProcessingSTT: {StateAIProcessing, StateListening, StateCrisisMode, StateError, StateIdle},
	StateAIProcessing:  {StateSynthesizing, StateListening, StateCrisisMode, StateError, StateIdle},
	StateSynthesizing:  {StateSpeaking, StateCrisisMode, StateError, StateIdle},
	StateSpeaking:      {StateListening, StateInterrupted, StateCrisisMode, StateError, StateIdle},
	StateInterrupted:   {StateListening, StateCrisisMode, StateError, StateIdle},
	StateCrisisMode:    {StateListening, StateCrisisPaused, StateError, StateIdle},
	StateCrisisPaused:  {StateListening, StateCrisisMode, StateIdle},
	StateError:         {StateListening, StateCrisisMode, StateIdle},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
