// Package sessionlog records a conversation as an ordered, append-only list
// of immutable turns.
//
// A [Log] belongs to one session. [Log.Append] assigns the turn its id and
// sequence number and stores a private deep copy; every read hands out
// copies, so a turn can never change once it is appended. Logs serialise to
// JSON Lines ([Log.Export], [Import]) and can forward every append to a
// persistent [Store].
package sessionlog

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

// Role is the speaker of a turn.
type Role string

const (
	RolePatient   Role = "patient"
	RoleCompanion Role = "companion"

	// RoleSystem marks events that are not speech, such as a crisis
	// hand-off.
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleCompanion, RoleSystem:
		return true
	}
	return false
}

// Transcription is the recognizer output a patient turn came from.
type Transcription struct {
	Confidence    float64       `json:"confidence"`
	Language      string        `json:"language,omitempty"`
	AudioDuration time.Duration `json:"audio_duration"`
	RMS           float64       `json:"rms"`
	Peak          float64       `json:"peak"`
}

// Synthesis describes how a companion turn was spoken.
type Synthesis struct {
	Voice tts.VoiceProfile `json:"voice"`

	// Rule names the voice adaptation rule that produced Voice.
	Rule string `json:"rule,omitempty"`

	Duration time.Duration `json:"duration"`
	Size     int           `json:"size"`
	CacheHit bool          `json:"cache_hit"`

	// Tag is the request context ("reply", "fallback", "crisis").
	Tag string `json:"tag,omitempty"`
}

// Factor is one crisis indicator's contribution.
type Factor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// Crisis is the crisis assessment that influenced a turn.
type Crisis struct {
	Score   float64  `json:"score"`
	Tier    string   `json:"tier"`
	Factors []Factor `json:"factors,omitempty"`

	// Trigger names what raised the tier: "emotion", "keyword" or
	// "generation".
	Trigger string `json:"trigger,omitempty"`
}

// Timing records how long each pipeline stage of a turn took.
type Timing struct {
	Transcription time.Duration `json:"transcription,omitempty"`
	Generation    time.Duration `json:"generation,omitempty"`
	Synthesis     time.Duration `json:"synthesis,omitempty"`
	Playback      time.Duration `json:"playback,omitempty"`
	Total         time.Duration `json:"total,omitempty"`
}

// Turn is one utterance of the conversation.
type Turn struct {
	// ID and Seq are assigned by [Log.Append].
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	Role Role   `json:"role"`
	Text string `json:"text"`

	// ReplyTo is the id of the patient turn a companion turn answers.
	ReplyTo string `json:"reply_to,omitempty"`

	Transcription *Transcription  `json:"transcription,omitempty"`
	Synthesis     *Synthesis      `json:"synthesis,omitempty"`
	Emotion       *emotion.Sample `json:"emotion,omitempty"`
	Crisis        *Crisis         `json:"crisis,omitempty"`

	Timing Timing `json:"timing"`

	// Interrupted is set when playback was cut short.
	Interrupted bool `json:"interrupted,omitempty"`

	// Fallback is set when the text is a scripted fallback utterance.
	Fallback bool `json:"fallback,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate reports turns that cannot be appended.
func (t Turn) Validate() error {
	var errs []error
	if !t.Role.Valid() {
		errs = append(errs, fmt.Errorf("unknown role %q", t.Role))
	}
	if t.Text == "" && t.Role != RoleSystem {
		errs = append(errs, errors.New("text must not be empty"))
	}
	if t.Transcription != nil && t.Role != RolePatient {
		errs = append(errs, errors.New("transcription only applies to patient turns"))
	}
	if t.Synthesis != nil && t.Role != RoleCompanion {
		errs = append(errs, errors.New("synthesis only applies to companion turns"))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (t Turn) Clone() Turn {
	if t.Transcription != nil {
		tr := *t.Transcription
		t.Transcription = &tr
	}
	if t.Synthesis != nil {
		s := *t.Synthesis
		s.Voice = s.Voice.Clone()
		t.Synthesis = &s
	}
	if t.Emotion != nil {
		e := t.Emotion.Clone()
		t.Emotion = &e
	}
	if t.Crisis != nil {
		c := *t.Crisis
		c.Factors = append([]Factor(nil), c.Factors...)
		t.Crisis = &c
	}
	t.Metadata = maps.Clone(t.Metadata)
	return t
}
