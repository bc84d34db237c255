// Package safety scores affect samples for signs of acute distress and
// decides when the conversation must be preempted.
//
// [Score] is a pure function over one sample and its recent history. The
// [Monitor] applies it continuously, adds the time-based rules (persistence
// boost, sustained soft tier) and the clearing hysteresis, and reports a
// [Decision] per sample. [KeywordScanner] covers the other input channel:
// crisis phrases in transcripts.
//
// None of the thresholds here are clinically validated. They are defaults
// meant to be tuned through configuration.
package safety

import (
	"errors"
	"fmt"
	"time"
)

// Tier is a recommended intervention level. Higher tiers are more urgent.
type Tier int

const (
	TierNone Tier = iota

	// TierSoft asks for a gentle check-in without interrupting playback.
	TierSoft

	// TierInterrupt interrupts the current turn and intervenes.
	TierInterrupt

	// TierImmediate interrupts and intervenes at once, optionally pausing
	// the session for a human.
	TierImmediate
)

// String returns the tier name used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierSoft:
		return "soft"
	case TierInterrupt:
		return "interrupt"
	case TierImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// MarshalText renders the tier by name.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Interrupts reports whether the tier preempts the conversation.
func (t Tier) Interrupts() bool { return t >= TierInterrupt }

// Indicator names reported in [Factor.Name].
const (
	IndicatorExtremeAffect = "extreme_affect"
	IndicatorIsolatedPeak  = "isolated_negative_peak"
	IndicatorVoiceNegative = "voice_dominant_negative"
	IndicatorTrend         = "worsening_trend"
	IndicatorPersistence   = "persistence"
	IndicatorKeyword       = "keyword"
)

// Factor is one indicator's contribution to an [Assessment].
type Factor struct {
	Name string `json:"name"`

	// Value is the indicator strength in [0, 1].
	Value float64 `json:"value"`

	// Weight is the indicator's share of the score.
	Weight float64 `json:"weight"`
}

// Contribution is Value × Weight.
func (f Factor) Contribution() float64 { return f.Value * f.Weight }

// Assessment is the crisis evaluation of one sample.
type Assessment struct {
	// Score in [0, 1].
	Score float64 `json:"score"`

	// Factors lists the indicators that contributed, strongest first.
	Factors []Factor `json:"factors,omitempty"`

	// Tier is the tier the score alone recommends. Time-based rules are
	// applied by the [Monitor].
	Tier Tier `json:"tier"`

	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy.
func (a Assessment) Clone() Assessment {
	a.Factors = append([]Factor(nil), a.Factors...)
	return a
}

// Config holds the scoring weights and thresholds.
type Config struct {
	ImmediateThreshold float64 `yaml:"immediate_threshold"`
	InterruptThreshold float64 `yaml:"interrupt_threshold"`
	SoftThreshold      float64 `yaml:"soft_threshold"`

	// BreadthCount negative emotions above BreadthIntensity corroborate the
	// interrupt tier.
	BreadthCount     int     `yaml:"breadth_count"`
	BreadthIntensity float64 `yaml:"breadth_intensity"`

	// SoftSustain is how long the score must stay in the soft band before
	// the soft tier fires.
	SoftSustain time.Duration `yaml:"soft_sustain"`

	// Hysteresis clears an active tier once the score drops below
	// Hysteresis × the tier's threshold.
	Hysteresis float64 `yaml:"hysteresis"`

	// PersistenceBoost multiplies the score once it has stayed at or above
	// SoftThreshold for PersistenceDuration.
	PersistenceBoost    float64       `yaml:"persistence_boost"`
	PersistenceDuration time.Duration `yaml:"persistence_duration"`

	// ConfidenceFloor is the smallest multiplier low detection confidence
	// can scale the score by.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// TrendWindow is the history horizon for the worsening-trend indicator.
	TrendWindow time.Duration `yaml:"trend_window"`

	// PauseOnCritical hands the session to a human on the immediate tier.
	PauseOnCritical bool `yaml:"pause_on_critical"`

	// Keywords are crisis phrases matched in transcripts.
	Keywords []string `yaml:"keywords"`
}

// DefaultKeywords is the built-in crisis phrase list.
var DefaultKeywords = []string{
	"kill myself",
	"want to die",
	"end it all",
	"hurt myself",
	"can't go on",
	"no reason to live",
	"help me now",
	"suicide",
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ImmediateThreshold:  0.8,
		InterruptThreshold:  0.6,
		SoftThreshold:       0.4,
		BreadthCount:        2,
		BreadthIntensity:    0.4,
		SoftSustain:         30 * time.Second,
		Hysteresis:          0.7,
		PersistenceBoost:    1.2,
		PersistenceDuration: 10 * time.Second,
		ConfidenceFloor:     0.5,
		TrendWindow:         20 * time.Second,
		Keywords:            DefaultKeywords,
	}
}

// WithDefaults fills zero fields from [DefaultConfig].
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ImmediateThreshold == 0 {
		c.ImmediateThreshold = d.ImmediateThreshold
	}
	if c.InterruptThreshold == 0 {
		c.InterruptThreshold = d.InterruptThreshold
	}
	if c.SoftThreshold == 0 {
		c.SoftThreshold = d.SoftThreshold
	}
	if c.BreadthCount == 0 {
		c.BreadthCount = d.BreadthCount
	}
	if c.BreadthIntensity == 0 {
		c.BreadthIntensity = d.BreadthIntensity
	}
	if c.SoftSustain == 0 {
		c.SoftSustain = d.SoftSustain
	}
	if c.Hysteresis == 0 {
		c.Hysteresis = d.Hysteresis
	}
	if c.PersistenceBoost == 0 {
		c.PersistenceBoost = d.PersistenceBoost
	}
	if c.PersistenceDuration == 0 {
		c.PersistenceDuration = d.PersistenceDuration
	}
	if c.ConfidenceFloor == 0 {
		c.ConfidenceFloor = d.ConfidenceFloor
	}
	if c.TrendWindow == 0 {
		c.TrendWindow = d.TrendWindow
	}
	if c.Keywords == nil {
		c.Keywords = d.Keywords
	}
	return c
}

// Validate reports inconsistent thresholds.
func (c Config) Validate() error {
	var errs []error
	if !(0 < c.SoftThreshold && c.SoftThreshold < c.InterruptThreshold && c.InterruptThreshold < c.ImmediateThreshold && c.ImmediateThreshold <= 1) {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < soft (%g) < interrupt (%g) < immediate (%g) <= 1",
			c.SoftThreshold, c.InterruptThreshold, c.ImmediateThreshold))
	}
	if c.Hysteresis <= 0 || c.Hysteresis > 1 {
		errs = append(errs, fmt.Errorf("hysteresis must be in (0, 1], got %g", c.Hysteresis))
	}
	if c.PersistenceBoost < 1 {
		errs = append(errs, fmt.Errorf("persistence_boost must be >= 1, got %g", c.PersistenceBoost))
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("confidence_floor must be in [0, 1], got %g", c.ConfidenceFloor))
	}
	if c.BreadthCount < 0 {
		errs = append(errs, errors.New("breadth_count must not be negative"))
	}
	if c.SoftSustain < 0 || c.PersistenceDuration < 0 || c.TrendWindow < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}

// threshold returns the trigger threshold of t.
func (c Config) threshold(t Tier) float64 {
	switch t {
	case TierImmediate:
		return c.ImmediateThreshold
	case TierInterrupt:
		return c.InterruptThreshold
	case TierSoft:
		return c.SoftThreshold
	default:
		return 0
	}
}
