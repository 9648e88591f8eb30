package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ttlCache memoizes one fetched value for a fixed TTL and collapses
// concurrent refreshes into a single upstream call. Hot paths (mids, account
// state, open orders) hit this instead of the venue.
type ttlCache[T any] struct {
	ttl time.Duration

	mu  sync.Mutex
	val T
	at  time.Time

	group singleflight.Group
}

func newTTLCache[T any](ttl time.Duration) *ttlCache[T] {
	return &ttlCache[T]{ttl: ttl}
}

// get returns the cached value when fresh, otherwise fetches. Concurrent
// callers during a refresh share the one in-flight fetch. Fetch errors are
// returned to every waiter and nothing is cached.
func (c *ttlCache[T]) get(ctx context.Context, fetch func(ctx context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	if !c.at.IsZero() && time.Since(c.at) < c.ttl {
		v := c.val
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("fetch", func() (any, error) {
		// Re-check under the flight: a racer may have refreshed already.
		c.mu.Lock()
		if !c.at.IsZero() && time.Since(c.at) < c.ttl {
			v := c.val
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()

		fresh, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.set(fresh)
		return fresh, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// set stores a value out of band, e.g. from a websocket push.
func (c *ttlCache[T]) set(v T) {
	c.mu.Lock()
	c.val = v
	c.at = time.Now()
	c.mu.Unlock()
}

// peek returns the cached value if fresh, without fetching.
func (c *ttlCache[T]) peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.at.IsZero() || time.Since(c.at) >= c.ttl {
		var zero T
		return zero, false
	}
	return c.val, true
}

// invalidate drops the cached value so the next get refetches.
func (c *ttlCache[T]) invalidate() {
	c.mu.Lock()
	c.at = time.Time{}
	c.mu.Unlock()
}
