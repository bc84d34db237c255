package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrAttemptTimeout marks an attempt that exceeded [RetryPolicy.Timeout]. It
// is always retryable.
var ErrAttemptTimeout = errors.New("attempt timed out")

// RetryPolicy describes how a collaborator call is retried. The zero value
// performs exactly one attempt without a timeout.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the second attempt. Subsequent delays
	// double, capped at MaxBackoff.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps a single delay. Zero means uncapped.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// JitterPercent randomises each delay by ±JitterPercent %.
	JitterPercent uint64 `yaml:"jitter_percent"`

	// Timeout bounds a single attempt. Exceeding it yields
	// [ErrAttemptTimeout] and counts as a retryable failure. Zero disables
	// the per-attempt timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultRetryPolicy returns three attempts with 200 ms → 2 s exponential
// backoff, 20 % jitter, and a 10 s per-attempt timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterPercent:  20,
		Timeout:        10 * time.Second,
	}
}

// Validate reports nonsensical settings.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 0, got %d", p.MaxAttempts))
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 || p.Timeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		errs = append(errs, fmt.Errorf("initial_backoff %v exceeds max_backoff %v", p.InitialBackoff, p.MaxBackoff))
	}
	if p.JitterPercent > 100 {
		errs = append(errs, fmt.Errorf("jitter_percent must be <= 100, got %d", p.JitterPercent))
	}
	return errors.Join(errs...)
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.InitialBackoff
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	return retry.WithMaxRetries(uint64(max(p.MaxAttempts, 1)-1), b)
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [Retry] returns it immediately. errors.Is and
// errors.As still see the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn under the policy. Each attempt receives a context bounded by
// the per-attempt timeout. Errors wrapped with [Permanent], [ErrCircuitOpen],
// and cancellation of the parent ctx stop retrying immediately. After the
// last attempt the most recent error is returned.
func Retry(ctx context.Context, p RetryPolicy, name string, fn func(context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		var perm *permanentError
		switch {
		case errors.As(err, &perm):
			return perm.err
		case errors.Is(err, ErrCircuitOpen), ctx.Err() != nil:
			return err
		}
		slog.Debug("retrying collaborator call", "call", name, "attempt", attempt, "max_attempts", p.MaxAttempts, "err", err)
		return retry.RetryableError(err)
	})
	if err != nil && attempt > 1 {
		return fmt.Errorf("%s: %d attempts: %w", name, attempt, err)
	}
	return err
}

// RetryValue is [Retry] for functions that produce a value.
func RetryValue[T any](ctx context.Context, p RetryPolicy, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, p, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v: %w", ErrAttemptTimeout, timeout, err)
	}
	return err
}
