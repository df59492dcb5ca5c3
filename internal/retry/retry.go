// Package retry provides the bounded retry combinator shared by capture calls,
// scroll convergence and whole-pipeline fallback tiers.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BackoffFunc returns the delay to wait after the given failed attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Constant waits the same delay after every failure.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// Linear waits base, 2*base, 3*base, ...
func Linear(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration { return base * time.Duration(attempt) }
}

// Exponential waits base, 2*base, 4*base, ... capped at max (when max > 0).
func Exponential(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		return d
	}
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	// Retryable decides if a failure may be retried. Nil retries everything except
	// context cancellation.
	Retryable func(error) bool
	// OnFailure observes each failed attempt; next is zero when no retry follows.
	OnFailure func(attempt int, err error, next time.Duration)
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError reports the number of attempts made and the final failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

// Do runs op until it succeeds, returns a non-retryable error, the context ends,
// or MaxAttempts is reached. Non-retryable errors are returned unwrapped.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		last = err

		if !retryable(err) {
			if p.OnFailure != nil {
				p.OnFailure(attempt, err, 0)
			}
			return zero, err
		}

		var next time.Duration
		if attempt < attempts && p.Backoff != nil {
			next = p.Backoff(attempt)
		}
		if p.OnFailure != nil {
			p.OnFailure(attempt, err, next)
		}
		if attempt < attempts {
			if err := Sleep(ctx, next); err != nil {
				return zero, err
			}
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
