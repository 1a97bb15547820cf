// Package retry runs an operation with a bounded number of attempts and a
// backoff between them. The current attempt number travels in the context
// of the operation, so retry state is never shared between calls.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the first backoff delay; it doubles on every retry.
	// Zero disables waiting between attempts.
	BaseDelay time.Duration
	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration
	// JitterPercent randomizes each delay by up to this percentage.
	JitterPercent uint64
}

// DefaultPolicy tries three times with exponential backoff from 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		JitterPercent: 10,
	}
}

// Immediate retries up to attempts times without waiting.
func Immediate(attempts int) Policy {
	return Policy{MaxAttempts: attempts}
}

func (p Policy) backoff() goretry.Backoff {
	var b goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
		return 0, false
	})
	if p.BaseDelay > 0 {
		b = goretry.NewExponential(p.BaseDelay)
		if p.MaxDelay > 0 {
			b = goretry.WithCappedDuration(p.MaxDelay, b)
		}
		if p.JitterPercent > 0 {
			b = goretry.WithJitterPercent(p.JitterPercent, b)
		}
	}
	retries := max(p.MaxAttempts, 1) - 1
	return goretry.WithMaxRetries(uint64(retries), b)
}

// Do runs fn until it succeeds, fails with an error for which retryable
// returns false, or the policy is exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	return goretry.DoValue(ctx, p.backoff(), func(ctx context.Context) (T, error) {
		attempt++
		v, err := fn(withAttempt(ctx, attempt))
		if err != nil && retryable != nil && retryable(err) {
			return v, goretry.RetryableError(err)
		}
		return v, err
	})
}

type attemptKey struct{}

func withAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// Attempt returns the 1-based attempt number of the operation running with
// ctx, or 0 outside of Do.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}
