// Package retry runs an operation a bounded number of times with exponential
// backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           // total tries, including the first
	Base     time.Duration // delay before the second try
	Factor   float64       // growth per attempt
	Jitter   float64       // ± fraction applied to each delay
	Max      time.Duration // delay ceiling; zero means none
}

// Default is the connector action policy: 3 tries, 200ms doubling, ±20%.
func Default() Policy {
	return Policy{Attempts: 3, Base: 200 * time.Millisecond, Factor: 2, Jitter: 0.2, Max: 5 * time.Second}
}

// Delay returns the wait before try number attempt+1 (attempt starts at 1).
// r is a uniform sample in [0,1).
func (p Policy) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*r-1)
	}
	return time.Duration(d)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx ends. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Delay(attempt-1, rand.Float64())); err != nil {
				return attempt - 1, fmt.Errorf("retry interrupted: %w (last error: %v)", err, lastErr)
			}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !retryable(err) {
			return attempt, err
		}
		lastErr = err
	}
	return attempts, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
