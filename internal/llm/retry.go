package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy is the single retry policy used when opening completion streams.
type Policy struct {
	MaxAttempts int                             // total attempts, including the first
	Retryable   func(error) bool                // nil means never retry
	Backoff     func(attempt int) time.Duration // delay after the given 1-based attempt

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy retries transient failures three times in total with
// jittered exponential backoff starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Retryable:   Retryable,
		Backoff:     ExponentialBackoff(500*time.Millisecond, 8*time.Second, 0.25),
	}
}

// ExponentialBackoff returns base*2^(attempt-1), capped at max, with
// ±jitter applied as a fraction of the delay.
func ExponentialBackoff(base, max time.Duration, jitter float64) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := float64(base) * math.Pow(2, float64(attempt-1))
		if d > float64(max) {
			d = float64(max)
		}
		if jitter > 0 {
			d += d * jitter * (rand.Float64()*2 - 1)
		}
		if d < 0 {
			d = 0
		}
		return time.Duration(d)
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. A server-supplied Retry-After longer than the
// computed backoff wins. The wait respects ctx.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("llm: giving up after %d attempts: %w", attempt, err)
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
			wait = apiErr.RetryAfter
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
