// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExhausted = errors.New("retry budget exhausted")

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff returns the delay before attempt n+1 (n counts from 1).
func (p Policy) Backoff(n int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// context ends, or MaxAttempts calls have failed. The last case wraps both
// ErrExhausted and the final error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for n := 1; ; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if n >= attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, n, err)
		}
		t := time.NewTimer(p.Backoff(n))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry canceled: %w", errors.Join(ctx.Err(), err))
		}
	}
}
