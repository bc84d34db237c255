package safety

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/provider/emotion"
)

// Decision is the outcome of observing one sample.
type Decision struct {
	Assessment Assessment

	// Active is the tier in force after this sample.
	Active Tier

	// Triggered is set when this sample raised the active tier. The caller
	// intervenes at the Active tier.
	Triggered bool

	// Cleared is set when this sample ended an active tier.
	Cleared bool

	// Pause is set with Triggered on the immediate tier when the session
	// should be handed to a human.
	Pause bool
}

// Option configures a [Monitor].
type Option func(*Monitor)

// WithClock overrides the time source used for samples without a
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

// Monitor scores a continuous sample stream for one session. It is safe for
// concurrent use.
type Monitor struct {
	now     func() time.Time
	metrics *observe.Metrics

	mu            sync.Mutex
	cfg           Config
	scanner       *KeywordScanner
	recent        []emotion.Sample
	elevatedSince time.Time
	softSince     time.Time
	active        Tier
	last          Assessment
}

// NewMonitor returns a monitor. Zero config fields take defaults.
func NewMonitor(cfg Config, opts ...Option) (*Monitor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{cfg: cfg, scanner: NewKeywordScanner(cfg.Keywords), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// Config returns the active configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetConfig swaps thresholds at runtime. The active tier and history are
// kept.
func (m *Monitor) SetConfig(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	scanner := NewKeywordScanner(cfg.Keywords)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg, m.scanner = cfg, scanner
	slog.Info("safety: crisis thresholds updated",
		"immediate", cfg.ImmediateThreshold, "interrupt", cfg.InterruptThreshold, "soft", cfg.SoftThreshold,
		"keywords", scanner.Len())
	return nil
}

// Scanner returns the keyword scanner compiled from the active config.
func (m *Monitor) Scanner() *KeywordScanner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanner
}

// Active returns the tier currently in force.
func (m *Monitor) Active() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Last returns the most recent assessment.
func (m *Monitor) Last() Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.Clone()
}

// Reset clears history and the active tier, e.g. after a human hand-off.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = nil
	m.elevatedSince, m.softSince = time.Time{}, time.Time{}
	m.active = TierNone
	m.last = Assessment{}
}

// Observe scores s and applies the tier rules.
func (m *Monitor) Observe(s emotion.Sample) Decision {
	s = s.Normalize()
	if s.Timestamp.IsZero() {
		s.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg

	var elevated time.Duration
	if !m.elevatedSince.IsZero() {
		elevated = s.Timestamp.Sub(m.elevatedSince)
	}
	a := Score(s, History{Recent: m.recent, Elevated: elevated}, cfg)
	m.remember(s, cfg.TrendWindow)
	m.last = a

	if a.Score >= cfg.SoftThreshold {
		if m.elevatedSince.IsZero() {
			m.elevatedSince = s.Timestamp
		}
	} else {
		m.elevatedSince = time.Time{}
	}

	candidate := a.Tier
	if candidate == TierSoft {
		if m.softSince.IsZero() {
			m.softSince = s.Timestamp
		}
		if s.Timestamp.Sub(m.softSince) < cfg.SoftSustain {
			candidate = TierNone
		}
	} else if a.Score < cfg.SoftThreshold {
		m.softSince = time.Time{}
	}

	d := Decision{Assessment: a.Clone()}
	switch {
	case candidate > m.active:
		m.active = candidate
		d.Triggered = true
		d.Pause = candidate == TierImmediate && cfg.PauseOnCritical
		slog.Warn("safety: crisis tier raised", "tier", candidate, "score", a.Score, "factors", factorNames(a.Factors))
	case m.active != TierNone && a.Score < cfg.Hysteresis*cfg.threshold(m.active):
		slog.Info("safety: crisis tier cleared", "tier", m.active, "score", a.Score)
		m.active = TierNone
		m.softSince = time.Time{}
		d.Cleared = true
	}
	d.Active = m.active

	m.metrics.CrisisScore.Record(context.Background(), a.Score)
	return d
}

// Escalate forces the active tier, e.g. after a keyword hit or a crisis
// flag from response generation. It reports whether the tier was raised.
func (m *Monitor) Escalate(t Tier) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t <= m.active {
		return false
	}
	m.active = t
	return true
}

// remember appends s to the trend history and drops samples older than the
// window.
func (m *Monitor) remember(s emotion.Sample, window time.Duration) {
	m.recent = append(m.recent, s)
	cut := 0
	for cut < len(m.recent)-1 && window > 0 && s.Timestamp.Sub(m.recent[cut].Timestamp) > window {
		cut++
	}
	m.recent = m.recent[cut:]
}

func factorNames(fs []Factor) []string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name
	}
	return names
}
