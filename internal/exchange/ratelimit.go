// ratelimit.go implements token-bucket rate limiting for the venue API.
//
// The venue prices endpoints in weight units against two pools: the info
// endpoint (reads — mids, books, candles, account state) and the exchange
// endpoint (order placement, cancels, leverage changes). This file provides
// a smooth token bucket that refills continuously rather than in window
// bursts, with weighted costs so heavy reads (books, candles) consume more
// than light ones.
//
// Two buckets are maintained:
//   - Info:     high capacity, weighted by request type
//   - Exchange: low capacity, one token per mutation
package exchange

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrThrottleStarved is returned when the computed wait for a request
// exceeds the bucket's configured maximum. Retryable with backoff.
var ErrThrottleStarved = errors.New("rate limiter starved")

// Request weights on the info bucket.
const (
	weightDefault = 1.0
	weightBook    = 2.0
	weightAccount = 2.0
	weightCandles = 4.0
)

// TokenBucket implements a token-bucket rate limiter with continuous refill
// and weighted costs. Callers block in Throttle() until enough tokens are
// available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64       // current available tokens (fractional allowed)
	capacity float64       // maximum burst size
	rate     float64       // tokens refilled per second
	maxWait  time.Duration // starvation bound; 0 = wait forever
	lastTime time.Time     // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64, maxWait time.Duration) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		maxWait:  maxWait,
		lastTime: time.Now(),
	}
}

// Throttle blocks until cost tokens are available or ctx is cancelled. A
// wait longer than the bucket's maximum fails fast with ErrThrottleStarved
// instead of queueing the caller indefinitely.
func (tb *TokenBucket) Throttle(ctx context.Context, cost float64) error {
	if cost <= 0 {
		cost = weightDefault
	}
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= cost {
			tb.tokens -= cost
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time until enough tokens accumulate
		wait := time.Duration((cost - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		if tb.maxWait > 0 && wait > tb.maxWait {
			return ErrThrottleStarved
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Available returns the current token count (after lazy refill).
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	tokens := tb.tokens + now.Sub(tb.lastTime).Seconds()*tb.rate
	if tokens > tb.capacity {
		tokens = tb.capacity
	}
	return tokens
}

// RateLimiter groups token buckets by venue endpoint class. Every network
// call throttles on the matching bucket first.
type RateLimiter struct {
	Info     *TokenBucket // POST /info — mids, books, candles, account state
	Exchange *TokenBucket // POST /exchange — orders, cancels, leverage
}

// NewRateLimiter creates buckets from configured capacities. Rates refill
// continuously so sustained load spreads instead of bursting into the hard
// limit.
func NewRateLimiter(infoCapacity, infoRate, exchCapacity, exchRate float64, maxWait time.Duration) *RateLimiter {
	return &RateLimiter{
		Info:     NewTokenBucket(infoCapacity, infoRate, maxWait),
		Exchange: NewTokenBucket(exchCapacity, exchRate, maxWait),
	}
}
