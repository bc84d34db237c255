// Package voice derives the synthesis voice profile for a turn from the
// patient's current affect.
//
// [Adapt] is a pure function: the same [Input] always yields the same
// profile. Rules are checked in order of severity and the first match wins.
// Inputs whose detection confidence is below [QualityFloor] are not trusted
// and collapse to [Neutral].
package voice

import (
	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

// QualityFloor is the minimum detection confidence for adaptation.
const QualityFloor = 0.3

// Rule names the adaptation rule that produced a profile.
type Rule string

const (
	RuleNeutral       Rule = "neutral"
	RuleCrisis        Rule = "crisis"
	RuleAnxiety       Rule = "high_anxiety"
	RuleDepression    Rule = "depression"
	RuleFear          Rule = "fear_dominant"
	RuleAnger         Rule = "anger_dominant"
	RuleLowEngagement Rule = "low_engagement"
	RulePositive      Rule = "positive"
)

// Input is the affect a profile is adapted to.
type Input struct {
	// Arousal and Valence in [-1, 1].
	Arousal float64
	Valence float64

	// Basic maps basic emotion names to intensities in [0, 1].
	Basic map[string]float64

	// Confidence of the detection in [0, 1].
	Confidence float64
}

// FromSample builds an Input from an emotion sample. A nil sample yields an
// Input with zero confidence, which adapts to [Neutral].
func FromSample(s *emotion.Sample) Input {
	if s == nil {
		return Input{}
	}
	n := s.Normalize()
	return Input{Arousal: n.Arousal, Valence: n.Valence, Basic: n.Basic, Confidence: n.Confidence}
}

// Adapt returns the profile for in.
func Adapt(in Input) tts.VoiceProfile {
	p, _ := Classify(in)
	return p
}

// Classify is [Adapt] that also reports which rule matched.
func Classify(in Input) (tts.VoiceProfile, Rule) {
	if in.Confidence < QualityFloor {
		return Neutral(), RuleNeutral
	}
	a, v := in.Arousal, in.Valence
	switch {
	case a > 0.8 && v < -0.7:
		return Crisis(), RuleCrisis
	case a > 0.7 && v < -0.3:
		return tts.VoiceProfile{
			Warmth: 0.85, Empathy: 0.85, Calmness: 0.9, Authority: 0.5, Clarity: 0.7,
			Pace: tts.PaceSlow, Tone: tts.ToneWarm, Speed: 0.85, Pitch: -0.1,
		}, RuleAnxiety
	case a < 0.4 && v < -0.5:
		return tts.VoiceProfile{
			Warmth: 0.9, Empathy: 0.85, Calmness: 0.7, Authority: 0.3, Clarity: 0.6,
			Pace: tts.PaceSlow, Tone: tts.ToneWarm,
		}, RuleDepression
	case dominant(in.Basic, emotion.Fear, 0.7):
		return tts.VoiceProfile{
			Warmth: 0.8, Empathy: 0.8, Calmness: 0.95, Authority: 0.6, Clarity: 0.7,
			Pace: tts.PaceVerySlow, Tone: tts.ToneGrounding, Speed: 0.75, Pitch: -0.15,
		}, RuleFear
	case dominant(in.Basic, emotion.Anger, 0.6):
		return tts.VoiceProfile{
			Warmth: 0.6, Empathy: 0.75, Calmness: 0.9, Authority: 0.25, Clarity: 0.6,
			Pace: tts.PaceSlow, Tone: tts.ToneDeescalating, Pitch: -0.05,
		}, RuleAnger
	case a < 0.3:
		return tts.VoiceProfile{
			Warmth: 0.65, Empathy: 0.6, Calmness: 0.5, Authority: 0.5, Clarity: 0.85,
			Pace: tts.PaceNormal, Tone: tts.ToneNeutral, Pitch: 0.05,
		}, RuleLowEngagement
	case v > 0.5:
		pace := tts.PaceNormal
		if a > 0.6 {
			pace = tts.PaceEnergetic
		}
		return tts.VoiceProfile{
			Warmth: 0.7, Empathy: 0.6, Calmness: 0.5, Authority: 0.5, Clarity: 0.6,
			Pace: pace, Tone: tts.ToneUpbeat,
		}, RulePositive
	}
	return Neutral(), RuleNeutral
}

// dominant reports whether name is the strongest basic emotion and exceeds
// min.
func dominant(basic map[string]float64, name string, min float64) bool {
	top, v := emotion.Sample{Basic: basic}.Dominant()
	return top == name && v > min
}

// Neutral is the safe default profile.
func Neutral() tts.VoiceProfile {
	return tts.VoiceProfile{
		Warmth: 0.6, Empathy: 0.6, Calmness: 0.6, Authority: 0.5, Clarity: 0.6,
		Pace: tts.PaceNormal, Tone: tts.ToneNeutral,
	}
}

// Crisis is the profile used for crisis interventions.
func Crisis() tts.VoiceProfile {
	return tts.VoiceProfile{
		Warmth: 1, Empathy: 1, Calmness: 1, Authority: 0.4, Clarity: 0.8,
		Pace: tts.PaceSlow, Tone: tts.ToneWarm, Speed: 0.8, Pitch: -0.2,
	}
}

// WithIdentity returns adapted carrying the backend identity (ID, name,
// provider, metadata) of base. Expressive attributes come from adapted.
func WithIdentity(adapted, base tts.VoiceProfile) tts.VoiceProfile {
	base = base.Clone()
	adapted.ID, adapted.Name, adapted.Provider, adapted.Metadata = base.ID, base.Name, base.Provider, base.Metadata
	return adapted
}
