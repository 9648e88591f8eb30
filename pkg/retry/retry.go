// Package retry provides a small retry combinator with exponential backoff.
//
// Callers supply a policy, a classifier that decides whether an error is
// transient, and the operation itself. Business code stays free of attempt
// counting and backoff arithmetic.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy controls attempt count and backoff growth.
type Policy struct {
	MaxAttempts    int           // total attempts, including the first
	InitialBackoff time.Duration // wait after the first failure
	MaxBackoff     time.Duration // cap on the doubled backoff
}

// DefaultPolicy matches the exchange client's retryable-path defaults.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     10 * time.Second,
}

// IsTransientFunc reports whether an error is worth retrying.
type IsTransientFunc func(error) bool

// Do runs fn up to policy.MaxAttempts times, sleeping a jittered exponential
// backoff between attempts. It stops early when fn succeeds, when the
// classifier rules the error permanent, or when ctx is cancelled.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = time.Second
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}

	backoff := policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isTransient != nil && !isTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		// Jitter up to +50% so concurrent retriers do not stampede.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", policy.MaxAttempts, lastErr)
}
