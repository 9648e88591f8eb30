package exchange

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1, 0)
	if got := tb.Available(); got != 10 {
		t.Errorf("Available() = %v, want 10", got)
	}
}

func TestTokenBucketThrottleImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1, 0)

	// Should consume tokens without blocking
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Throttle(context.Background(), 1); err != nil {
			t.Fatalf("Throttle() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Throttle() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestTokenBucketThrottleBlocks(t *testing.T) {
	t.Parallel()
	// 1 token capacity, refills at 10/sec -> ~100ms per token
	tb := NewTokenBucket(1, 10, 0)

	if err := tb.Throttle(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	// Next Throttle should block ~100ms
	start := time.Now()
	if err := tb.Throttle(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("Throttle() returned in %v, expected ~100ms block", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketWeightedCost(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1, 0)

	// A weighted request drains more of the bucket.
	if err := tb.Throttle(context.Background(), 4); err != nil {
		t.Fatal(err)
	}
	if got := tb.Available(); got > 6.1 {
		t.Errorf("Available() = %v after cost-4 throttle, want <= 6", got)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1, 0) // very slow refill

	// Exhaust the token
	_ = tb.Throttle(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tb.Throttle(ctx, 1)
	if err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestTokenBucketStarvation(t *testing.T) {
	t.Parallel()
	// Refill so slow the wait would exceed maxWait: fail fast instead.
	tb := NewTokenBucket(1, 0.001, 100*time.Millisecond)
	if err := tb.Throttle(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err := tb.Throttle(context.Background(), 1)
	if !errors.Is(err, ErrThrottleStarved) {
		t.Fatalf("Throttle() = %v, want ErrThrottleStarved", err)
	}
	if time.Since(start) > time.Second {
		t.Error("starved Throttle() should fail fast, not queue")
	}
}

func TestRateLimiterBuckets(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(100, 10, 5, 1, time.Second)

	if rl.Info == nil || rl.Exchange == nil {
		t.Fatal("NewRateLimiter() left a bucket nil")
	}
	if got := rl.Info.Available(); got != 100 {
		t.Errorf("Info.Available() = %v, want 100", got)
	}
	if got := rl.Exchange.Available(); got != 5 {
		t.Errorf("Exchange.Available() = %v, want 5", got)
	}
}
