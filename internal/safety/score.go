package safety

import (
	"cmp"
	"slices"
	"time"

	"github.com/MrWong99/attune/pkg/provider/emotion"
)

// Indicator weights. They sum to 1 so the unscaled score is already in
// [0, 1].
const (
	weightExtreme  = 0.45
	weightIsolated = 0.25
	weightVoice    = 0.15
	weightTrend    = 0.15
)

// History is the context [Score] evaluates a sample against.
type History struct {
	// Recent holds earlier samples, oldest first.
	Recent []emotion.Sample

	// Elevated is how long the score has continuously been at or above the
	// soft threshold before this sample.
	Elevated time.Duration
}

// Score assesses s. It is pure and monotonic in arousal while valence is
// held fixed.
func Score(s emotion.Sample, h History, cfg Config) Assessment {
	s = s.Normalize()
	factors := []Factor{
		{Name: IndicatorExtremeAffect, Weight: weightExtreme, Value: extremeAffect(s)},
		{Name: IndicatorIsolatedPeak, Weight: weightIsolated, Value: isolatedPeak(s)},
		{Name: IndicatorVoiceNegative, Weight: weightVoice, Value: voiceNegative(s)},
		{Name: IndicatorTrend, Weight: weightTrend, Value: trend(s, h.Recent, cfg.TrendWindow)},
	}

	var raw float64
	for _, f := range factors {
		raw += f.Contribution()
	}
	score := clamp01(raw) * max(cfg.ConfidenceFloor, s.Confidence)
	if cfg.PersistenceDuration > 0 && h.Elevated >= cfg.PersistenceDuration {
		factors = append(factors, Factor{Name: IndicatorPersistence, Weight: cfg.PersistenceBoost - 1, Value: 1})
		score *= cfg.PersistenceBoost
	}
	score = clamp01(score)

	factors = slices.DeleteFunc(factors, func(f Factor) bool { return f.Value == 0 })
	slices.SortStableFunc(factors, func(a, b Factor) int {
		return cmp.Compare(b.Contribution(), a.Contribution())
	})

	return Assessment{
		Score:     score,
		Factors:   factors,
		Tier:      tierFor(score, s, cfg),
		Timestamp: s.Timestamp,
	}
}

// tierFor maps a score onto the tier it recommends on its own.
func tierFor(score float64, s emotion.Sample, cfg Config) Tier {
	switch {
	case score >= cfg.ImmediateThreshold:
		return TierImmediate
	case score >= cfg.InterruptThreshold && s.NegativeBreadth(cfg.BreadthIntensity) >= cfg.BreadthCount:
		return TierInterrupt
	case score >= cfg.SoftThreshold:
		return TierSoft
	default:
		return TierNone
	}
}

// extremeAffect rises from 0 at arousal 0.3 / valence -0.2 to 1 at arousal
// 0.8 / valence -0.7.
func extremeAffect(s emotion.Sample) float64 {
	return clamp01((s.Arousal-0.3)/0.5) * clamp01((-s.Valence-0.2)/0.5)
}

// isolatedPeak is the strongest of fear, anger and disgust above 0.5,
// rescaled to [0, 1].
func isolatedPeak(s emotion.Sample) float64 {
	peak := max(s.Emotion(emotion.Fear), s.Emotion(emotion.Anger), s.Emotion(emotion.Disgust))
	return clamp01((peak - 0.5) / 0.4)
}

// voiceNegative is the voice channel's confidence when it dominates a
// negative sample.
func voiceNegative(s emotion.Sample) float64 {
	if s.DominantSource != emotion.SourceVoice || s.Valence >= 0 {
		return 0
	}
	conf, ok := s.Sources[emotion.SourceVoice]
	if !ok {
		conf = s.Confidence
	}
	return conf * clamp01(-s.Valence/0.5)
}

// trend measures rising arousal and falling valence against the oldest
// sample inside window.
func trend(s emotion.Sample, recent []emotion.Sample, window time.Duration) float64 {
	var base *emotion.Sample
	for i := range recent {
		r := &recent[i]
		if window > 0 && !s.Timestamp.IsZero() && s.Timestamp.Sub(r.Timestamp) > window {
			continue
		}
		base = r
		break
	}
	if base == nil {
		return 0
	}
	delta := max(0, s.Arousal-base.Arousal) + max(0, base.Valence-s.Valence)
	return clamp01(delta / 1.0)
}

func clamp01(v float64) float64 { return max(0, min(1, v)) }
