package tts

import (
	"maps"
	"time"
)

// Pace is a qualitative speaking tempo. Backends translate it into a rate
// multiplier when [VoiceProfile.Speed] is unset.
type Pace string

const (
	PaceVerySlow  Pace = "very-slow"
	PaceSlow      Pace = "slow"
	PaceNormal    Pace = "normal"
	PaceEnergetic Pace = "energetic"
)

// Rate returns the nominal rate multiplier for the pace.
func (p Pace) Rate() float64 {
	switch p {
	case PaceVerySlow:
		return 0.75
	case PaceSlow:
		return 0.85
	case PaceEnergetic:
		return 1.1
	default:
		return 1.0
	}
}

// Tone is a delivery style hint.
type Tone string

const (
	ToneNeutral      Tone = "neutral"
	ToneWarm         Tone = "warm"
	ToneGrounding    Tone = "grounding"
	ToneDeescalating Tone = "de-escalating"
	ToneUpbeat       Tone = "upbeat"
)

// VoiceProfile describes how an utterance should sound. The expressive
// attributes are normalised to [0, 1] with 0.5 as the neutral midpoint.
// VoiceProfile values are never mutated in place; adaptation produces a new
// value.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `json:"id,omitempty"`

	// Name is the human-readable voice name.
	Name string `json:"name,omitempty"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `json:"provider,omitempty"`

	Warmth    float64 `json:"warmth"`
	Empathy   float64 `json:"empathy"`
	Calmness  float64 `json:"calmness"`
	Authority float64 `json:"authority"`
	Clarity   float64 `json:"clarity"`

	Pace Pace `json:"pace"`
	Tone Tone `json:"tone,omitempty"`

	// Speed is an explicit rate multiplier (0.5–2.0). Zero defers to Pace.
	Speed float64 `json:"speed,omitempty"`

	// Pitch shifts pitch in [-1, 1], 0 = the voice's natural pitch.
	Pitch float64 `json:"pitch"`

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Rate returns the effective speaking-rate multiplier.
func (v VoiceProfile) Rate() float64 {
	if v.Speed > 0 {
		return v.Speed
	}
	return v.Pace.Rate()
}

// Clone returns a deep copy of v.
func (v VoiceProfile) Clone() VoiceProfile {
	v.Metadata = maps.Clone(v.Metadata)
	return v
}

// QualityTier selects a speed/fidelity trade-off. Backends map tiers onto
// their model catalogue.
type QualityTier string

const (
	QualityFast     QualityTier = "fast"
	QualityStandard QualityTier = "standard"
	QualityHigh     QualityTier = "high"
)

// Quality is the requested audio quality.
type Quality struct {
	// SampleRate of the returned audio in Hz. Zero keeps the backend's native
	// rate.
	SampleRate int `json:"sample_rate,omitempty"`

	Tier QualityTier `json:"tier,omitempty"`
}

// Options tune delivery of a single utterance.
type Options struct {
	// Speed overrides [VoiceProfile.Rate] when positive.
	Speed float64 `json:"speed,omitempty"`

	// Pitch is added to [VoiceProfile.Pitch].
	Pitch float64 `json:"pitch,omitempty"`

	// Volume is a linear gain applied to the synthesized samples. Zero means
	// unity gain.
	Volume float64 `json:"volume,omitempty"`

	// Emphasis lists words the backend should stress, when supported.
	Emphasis []string `json:"emphasis,omitempty"`

	// SentencePause and ParagraphPause request pauses between sentences and
	// paragraphs, when supported.
	SentencePause  time.Duration `json:"sentence_pause,omitempty"`
	ParagraphPause time.Duration `json:"paragraph_pause,omitempty"`

	// LeadingSilence and TrailingSilence pad the returned audio.
	LeadingSilence  time.Duration `json:"leading_silence,omitempty"`
	TrailingSilence time.Duration `json:"trailing_silence,omitempty"`
}

// Request is a single synthesis request.
type Request struct {
	Text    string
	Voice   VoiceProfile
	Quality Quality
	Options Options

	// Priority is the playback priority the audio is destined for. Backends
	// may use it to pick a faster model for urgent utterances.
	Priority int

	// Tag labels the request's context ("reply", "fallback", "crisis") for
	// logs and metrics.
	Tag string
}

// Rate returns the effective speaking-rate multiplier for the request.
func (r Request) Rate() float64 {
	if r.Options.Speed > 0 {
		return r.Options.Speed
	}
	return r.Voice.Rate()
}

// Result is synthesized speech. Audio is shared with caches and must be
// treated as read-only.
type Result struct {
	// Audio holds mono samples normalised to [-1, 1].
	Audio      []float32
	SampleRate int
	Duration   time.Duration

	// Size is the size in bytes of the payload received from the backend.
	Size int

	// CacheHit reports that the result was served from a synthesis cache.
	CacheHit bool
}
