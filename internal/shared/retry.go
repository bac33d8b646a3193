package shared

import (
	"context"
	"time"
)

// Backoff returns base doubled attempt times, capped at max when max > 0.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || (max > 0 && d > max) {
		return max
	}
	return d
}

// Retry calls fn up to attempts times, sleeping with exponential backoff
// between calls while retryable(err) holds. It returns the last error.
func Retry(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	for i := range attempts {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(Backoff(base, 0, i)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
