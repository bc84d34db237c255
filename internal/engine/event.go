package engine

import (
	"time"

	"github.com/MrWong99/attune/internal/safety"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

// EventType identifies an [Event].
type EventType int

const (
	EventStateChanged EventType = iota
	EventSpeechStarted
	EventSpeechEnded
	EventSpeechDiscarded
	EventTranscript
	EventResponse
	EventTextResponse
	EventInterrupted
	EventCrisis
	EventCrisisCleared
	EventFallback
	EventDegraded
	EventError
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechEnded:
		return "speech_ended"
	case EventSpeechDiscarded:
		return "speech_discarded"
	case EventTranscript:
		return "transcript"
	case EventResponse:
		return "response"
	case EventTextResponse:
		return "text_response"
	case EventInterrupted:
		return "interrupted"
	case EventCrisis:
		return "crisis"
	case EventCrisisCleared:
		return "crisis_cleared"
	case EventFallback:
		return "fallback"
	case EventDegraded:
		return "degraded"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the event type by name.
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is emitted on [Engine.Events]. Only the fields relevant to Type are
// set.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// From and To are set on EventStateChanged.
	From State `json:"from,omitzero"`
	To   State `json:"to,omitzero"`

	TurnID string `json:"turn_id,omitempty"`

	// Text carries the transcript, reply or fallback text.
	Text string `json:"text,omitempty"`

	// Duration is the speech span length on speech events.
	Duration time.Duration `json:"duration,omitempty"`

	Tier    safety.Tier `json:"tier,omitzero"`
	Trigger string      `json:"trigger,omitempty"`

	Voice *tts.VoiceProfile `json:"voice,omitempty"`

	Err error `json:"-"`
}
