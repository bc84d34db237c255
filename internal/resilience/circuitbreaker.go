// Package resilience provides the retry policy, circuit breaker, and provider
// failover primitives shared by every collaborator call.
//
// [RetryPolicy] is the single retry abstraction: bounded attempts, an
// exponential backoff curve with jitter, and a per-attempt timeout.
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open) that stops hammering a collaborator that keeps failing.
// [FallbackGroup] composes multiple instances of any provider type with
// per-entry circuit breakers so that a failing primary is bypassed in favour
// of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected with [ErrCircuitOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are allowed through; if they succeed the breaker
	// closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and metrics.
	Name string `yaml:"-"`

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of successful probe calls needed in the
	// half-open state before the breaker closes. Default: 2.
	HalfOpenMax int `yaml:"half_open_max"`

	// OnStateChange, when set, is invoked (outside the breaker's lock) after
	// every state transition.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn.
//
// Failures caused by cancellation of ctx (for example a barge-in aborting a
// synthesis call) are returned to the caller but not counted against the
// collaborator: the collaborator did nothing wrong.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	var transition func()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		transition = cb.setStateLocked(StateHalfOpen)
		cb.halfOpenCalls, cb.halfOpenOK = 0, 0
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}

	err := fn(ctx)

	cb.mu.Lock()
	switch {
	case err == nil:
		transition = cb.recordSuccessLocked(inHalfOpen)
	case ctx.Err() != nil:
		if inHalfOpen {
			cb.halfOpenCalls--
		}
		transition = nil
	default:
		transition = cb.recordFailureLocked(inHalfOpen)
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	return err
}

// recordFailureLocked handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailureLocked(inHalfOpen bool) func() {
	cb.lastFailure = time.Now()
	if inHalfOpen {
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return cb.setStateLocked(StateOpen)
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.consecutiveFail)
		return cb.setStateLocked(StateOpen)
	}
	return nil
}

// recordSuccessLocked handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccessLocked(inHalfOpen bool) func() {
	if !inHalfOpen {
		cb.consecutiveFail = 0
		return nil
	}
	cb.halfOpenOK++
	if cb.state == StateHalfOpen && cb.halfOpenOK >= cb.halfOpenMax {
		cb.consecutiveFail, cb.halfOpenCalls, cb.halfOpenOK = 0, 0, 0
		slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		return cb.setStateLocked(StateClosed)
	}
	return nil
}

// setStateLocked changes state and returns the notification to run once the
// lock is released.
func (cb *CircuitBreaker) setStateLocked(to State) func() {
	from := cb.state
	cb.state = to
	if cb.onChange == nil || from == to {
		return nil
	}
	name, hook := cb.name, cb.onChange
	return func() { hook(name, from, to) }
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [CircuitBreaker.Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.consecutiveFail, cb.halfOpenCalls, cb.halfOpenOK = 0, 0, 0
	notify := cb.setStateLocked(StateClosed)
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
