package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/pkg/provider/vad"
)

// Mixer priorities. Higher values preempt lower ones.
const (
	PriorityReply  = 10
	PriorityCrisis = 100
)

// Retries holds one retry policy per collaborator.
type Retries struct {
	Transcription resilience.RetryPolicy `yaml:"transcription"`
	Generation    resilience.RetryPolicy `yaml:"generation"`
	Synthesis     resilience.RetryPolicy `yaml:"synthesis"`
}

// Utterances are the scripted texts the engine speaks on its own.
type Utterances struct {
	// Fallback lines are spoken in rotation when a turn fails.
	Fallback []string `yaml:"fallback"`

	// Intervention is spoken on the interrupt and immediate crisis tiers.
	Intervention string `yaml:"intervention"`

	// HandOff follows the intervention when the session pauses for a
	// human.
	HandOff string `yaml:"hand_off"`

	// CheckIn is the soft-tier intervention.
	CheckIn string `yaml:"check_in"`
}

// Config tunes one conversation.
type Config struct {
	// Language is the transcription language hint.
	Language string `yaml:"language"`

	// MinConfidence drops transcripts the recognizer is unsure about.
	MinConfidence float64 `yaml:"min_confidence"`

	VAD          vad.Config      `yaml:"vad"`
	Segmentation SegmenterConfig `yaml:"segmentation"`

	// ResumeDelay bounds the time from a barge-in to listening.
	ResumeDelay time.Duration `yaml:"resume_delay"`

	// TickInterval drives the wall-clock silence check.
	TickInterval time.Duration `yaml:"tick_interval"`

	// PlaybackChunk is the chunk size handed to the mixer.
	PlaybackChunk time.Duration `yaml:"playback_chunk"`

	// PlaybackSlack is added to the audio duration to bound waiting for a
	// segment to finish playing.
	PlaybackSlack time.Duration `yaml:"playback_slack"`

	// OutputSampleRate requests synthesized audio at this rate. Zero keeps
	// the backend's native rate.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// VoiceID and VoiceProvider select the base voice that adaptation
	// modulates.
	VoiceID       string `yaml:"voice_id"`
	VoiceProvider string `yaml:"voice_provider"`

	// DegradedMode keeps the session alive in text-only mode when the audio
	// subsystem or synthesis fails. It and Retry are configured in the
	// error_handling section of the application config.
	DegradedMode bool `yaml:"-"`

	Retry      Retries    `yaml:"-"`
	Utterances Utterances `yaml:"utterances"`

	// EventBuffer sizes the Events channel. Events are dropped when the
	// reader falls behind.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns conversational defaults.
func DefaultConfig() Config {
	return Config{
		Language:      "en",
		MinConfidence: 0.4,
		VAD:           vad.DefaultConfig(),
		Segmentation:  DefaultSegmenterConfig(),
		ResumeDelay:   500 * time.Millisecond,
		TickInterval:  50 * time.Millisecond,
		PlaybackChunk: 100 * time.Millisecond,
		PlaybackSlack: 5 * time.Second,
		Retry: Retries{
			Transcription: resilience.DefaultRetryPolicy(),
			Generation:    resilience.DefaultRetryPolicy(),
			Synthesis:     resilience.DefaultRetryPolicy(),
		},
		Utterances: Utterances{
			Fallback: []string{
				"I'm sorry, I didn't quite catch that. Could you say it again?",
				"I'm still here with you. Give me a moment and tell me more.",
			},
			Intervention: "I'm really glad you told me. You don't have to go through this alone. " +
				"Let's take a slow breath together. If you are in danger right now, please contact your local emergency number.",
			HandOff: "I'm bringing in someone who can support you right now. Please stay with me.",
			CheckIn: "I want to check in with you. How are you feeling right now?",
		},
		EventBuffer: 128,
	}
}

// WithDefaults fills zero fields from [DefaultConfig].
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MinConfidence == 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.VAD.SampleRate == 0 {
		c.VAD.SampleRate = d.VAD.SampleRate
	}
	if c.VAD.WindowFrames == 0 {
		c.VAD.WindowFrames = d.VAD.WindowFrames
	}
	if c.VAD.Multiplier == 0 {
		c.VAD.Multiplier = d.VAD.Multiplier
	}
	if c.VAD.MinThreshold == 0 {
		c.VAD.MinThreshold = d.VAD.MinThreshold
	}
	if c.Segmentation == (SegmenterConfig{}) {
		c.Segmentation = d.Segmentation
	}
	if c.ResumeDelay == 0 {
		c.ResumeDelay = d.ResumeDelay
	}
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	if c.PlaybackChunk == 0 {
		c.PlaybackChunk = d.PlaybackChunk
	}
	if c.PlaybackSlack == 0 {
		c.PlaybackSlack = d.PlaybackSlack
	}
	if c.Retry.Transcription == (resilience.RetryPolicy{}) {
		c.Retry.Transcription = d.Retry.Transcription
	}
	if c.Retry.Generation == (resilience.RetryPolicy{}) {
		c.Retry.Generation = d.Retry.Generation
	}
	if c.Retry.Synthesis == (resilience.RetryPolicy{}) {
		c.Retry.Synthesis = d.Retry.Synthesis
	}
	if len(c.Utterances.Fallback) == 0 {
		c.Utterances.Fallback = d.Utterances.Fallback
	}
	if c.Utterances.Intervention == "" {
		c.Utterances.Intervention = d.Utterances.Intervention
	}
	if c.Utterances.HandOff == "" {
		c.Utterances.HandOff = d.Utterances.HandOff
	}
	if c.Utterances.CheckIn == "" {
		c.Utterances.CheckIn = d.Utterances.CheckIn
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence must be in [0, 1], got %g", c.MinConfidence))
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Segmentation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmentation: %w", err))
	}
	if c.ResumeDelay <= 0 || c.TickInterval <= 0 || c.PlaybackChunk <= 0 {
		errs = append(errs, errors.New("resume_delay, tick_interval and playback_chunk must be > 0"))
	}
	if c.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("output_sample_rate must not be negative, got %d", c.OutputSampleRate))
	}
	for _, r := range []struct {
		name   string
		policy resilience.RetryPolicy
	}{
		{"transcription", c.Retry.Transcription},
		{"generation", c.Retry.Generation},
		{"synthesis", c.Retry.Synthesis},
	} {
		if err := r.policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("retry.%s: %w", r.name, err))
		}
	}
	if c.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("event_buffer must not be negative, got %d", c.EventBuffer))
	}
	return errors.Join(errs...)
}
