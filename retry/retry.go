// Package retry runs an operation under a bounded attempt policy.
package retry

import (
	"context"
	"time"
)

// Policy bounds how often an operation is attempted and how long to wait
// between attempts. Backoff receives the number of the attempt that just
// failed, starting at 1.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Default is three attempts in total with a linear 1s, 2s backoff.
var Default = Policy{MaxAttempts: 3, Backoff: Linear(time.Second)}

// Linear waits base*attempt.
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Exponential waits base*2^(attempt-1), capped at max when max > 0.
func Exponential(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base << uint(attempt-1)
		if d <= 0 || (max > 0 && d > max) {
			return max
		}
		return d
	}
}

// Do calls op until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. It returns the last error op returned, or the context
// error when ctx ends while waiting. A nil retryable retries every error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx, attempt); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
