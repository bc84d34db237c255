// Package emotion defines the contract for affect-analysis backends.
//
// An analyzer watches the patient (voice, and optionally face or text) and
// pushes a continuous stream of [Sample] values: dimensional affect (arousal,
// valence), a basic-emotion vector, and how much the analyzer trusts each of
// its input channels. The crisis monitor and the voice adaptation both consume
// these samples; neither cares which analyzer produced them.
package emotion

import (
	"context"
	"slices"
	"time"
)

// Basic emotion names carried in [Sample.Basic].
const (
	Anger    = "anger"
	Disgust  = "disgust"
	Fear     = "fear"
	Joy      = "joy"
	Neutral  = "neutral"
	Sadness  = "sadness"
	Surprise = "surprise"
)

// BasicOrder fixes the position of every basic emotion in [Sample.Vector].
// Persisted vectors depend on it; append new names, never reorder.
var BasicOrder = []string{Anger, Disgust, Fear, Joy, Neutral, Sadness, Surprise}

// Negative lists the basic emotions counted as negative affect.
var Negative = []string{Anger, Disgust, Fear, Sadness}

// Input channels reported in [Sample.Sources] and [Sample.DominantSource].
const (
	SourceVoice = "voice"
	SourceFace  = "face"
	SourceText  = "text"
)

// Sample is one affect observation.
type Sample struct {
	// Timestamp is when the analyzed audio (or video) was captured.
	Timestamp time.Time `json:"timestamp"`

	// Arousal in [-1, 1]: calm (-1) to highly activated (1).
	Arousal float64 `json:"arousal"`

	// Valence in [-1, 1]: negative (-1) to positive (1).
	Valence float64 `json:"valence"`

	// Basic maps basic emotion names to intensities in [0, 1].
	Basic map[string]float64 `json:"basic,omitempty"`

	// Confidence is the analyzer's overall confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Sources holds the per-channel confidence (voice, face, text).
	Sources map[string]float64 `json:"sources,omitempty"`

	// DominantSource names the channel that contributed most to this sample.
	DominantSource string `json:"dominant_source,omitempty"`
}

// Emotion returns the intensity of a basic emotion, or 0 when absent.
func (s Sample) Emotion(name string) float64 { return s.Basic[name] }

// Dominant returns the strongest basic emotion. Ties resolve in
// [BasicOrder]. It returns "" when the vector is empty.
func (s Sample) Dominant() (name string, intensity float64) {
	for _, n := range BasicOrder {
		if v := s.Basic[n]; v > intensity {
			name, intensity = n, v
		}
	}
	return name, intensity
}

// NegativeBreadth counts negative emotions whose intensity exceeds min.
func (s Sample) NegativeBreadth(min float64) int {
	n := 0
	for _, name := range Negative {
		if s.Basic[name] > min {
			n++
		}
	}
	return n
}

// Vector returns the basic emotions in [BasicOrder] as float32, the layout
// used for persisted embeddings.
func (s Sample) Vector() []float32 {
	v := make([]float32, len(BasicOrder))
	for i, n := range BasicOrder {
		v[i] = float32(s.Basic[n])
	}
	return v
}

// FromVector rebuilds a basic-emotion map from a [Sample.Vector] layout.
// Zero entries are omitted.
func FromVector(v []float32) map[string]float64 {
	m := make(map[string]float64)
	for i, x := range v {
		if i >= len(BasicOrder) || x == 0 {
			continue
		}
		m[BasicOrder[i]] = float64(x)
	}
	return m
}

// Normalize returns a copy with every dimension clamped to its documented
// range. Analyzers are remote processes; their output is not trusted blindly.
func (s Sample) Normalize() Sample {
	out := s
	out.Arousal = clamp(s.Arousal, -1, 1)
	out.Valence = clamp(s.Valence, -1, 1)
	out.Confidence = clamp(s.Confidence, 0, 1)
	if s.Basic != nil {
		out.Basic = make(map[string]float64, len(s.Basic))
		for k, v := range s.Basic {
			out.Basic[k] = clamp(v, 0, 1)
		}
	}
	if s.Sources != nil {
		out.Sources = make(map[string]float64, len(s.Sources))
		for k, v := range s.Sources {
			out.Sources[k] = clamp(v, 0, 1)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s Sample) Clone() Sample {
	out := s
	if s.Basic != nil {
		out.Basic = make(map[string]float64, len(s.Basic))
		for k, v := range s.Basic {
			out.Basic[k] = v
		}
	}
	if s.Sources != nil {
		out.Sources = make(map[string]float64, len(s.Sources))
		for k, v := range s.Sources {
			out.Sources[k] = v
		}
	}
	return out
}

// IsNegative reports whether name is one of [Negative].
func IsNegative(name string) bool { return slices.Contains(Negative, name) }

func clamp(v, lo, hi float64) float64 { return max(lo, min(hi, v)) }

// Provider is the abstraction over an emotion analyzer.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Subscribe starts delivery and returns the sample stream. The channel is
	// closed when ctx is cancelled or the provider shuts down for good.
	Subscribe(ctx context.Context) (<-chan Sample, error)
}
