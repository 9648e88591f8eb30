package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTTLCacheServesFreshValue(t *testing.T) {
	t.Parallel()
	c := newTTLCache[int](time.Minute)
	fetches := 0
	fetch := func(ctx context.Context) (int, error) {
		fetches++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.get(context.Background(), fetch)
		if err != nil {
			t.Fatal(err)
		}
		if v != 42 {
			t.Fatalf("get = %d, want 42", v)
		}
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetches)
	}
}

func TestTTLCacheExpires(t *testing.T) {
	t.Parallel()
	c := newTTLCache[int](10 * time.Millisecond)
	fetches := 0
	fetch := func(ctx context.Context) (int, error) {
		fetches++
		return fetches, nil
	}

	if v, _ := c.get(context.Background(), fetch); v != 1 {
		t.Fatalf("first get = %d, want 1", v)
	}
	time.Sleep(20 * time.Millisecond)
	if v, _ := c.get(context.Background(), fetch); v != 2 {
		t.Fatalf("get after expiry = %d, want 2", v)
	}
}

func TestTTLCacheErrorsAreNotCached(t *testing.T) {
	t.Parallel()
	c := newTTLCache[int](time.Minute)
	boom := errors.New("venue down")
	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 7, nil
	}

	if _, err := c.get(context.Background(), fetch); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	v, err := c.get(context.Background(), fetch)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if v != 7 {
		t.Errorf("second get = %d, want 7", v)
	}
}

func TestTTLCacheSetAndPeek(t *testing.T) {
	t.Parallel()
	c := newTTLCache[string](time.Minute)

	if _, ok := c.peek(); ok {
		t.Fatal("peek on empty cache reported a value")
	}

	c.set("pushed")
	v, ok := c.peek()
	if !ok || v != "pushed" {
		t.Fatalf("peek = %q/%v, want pushed/true", v, ok)
	}

	// A fresh pushed value short-circuits get entirely.
	got, err := c.get(context.Background(), func(ctx context.Context) (string, error) {
		t.Error("fetch called despite fresh pushed value")
		return "", nil
	})
	if err != nil || got != "pushed" {
		t.Fatalf("get = %q/%v, want pushed", got, err)
	}
}

func TestTTLCacheInvalidate(t *testing.T) {
	t.Parallel()
	c := newTTLCache[int](time.Hour)
	c.set(1)
	c.invalidate()

	if _, ok := c.peek(); ok {
		t.Fatal("peek returned a value after invalidate")
	}

	v, err := c.get(context.Background(), func(ctx context.Context) (int, error) {
		return 2, nil
	})
	if err != nil || v != 2 {
		t.Fatalf("get after invalidate = %d/%v, want 2", v, err)
	}
}

func TestTTLCacheCollapsesConcurrentFetches(t *testing.T) {
	t.Parallel()
	c := newTTLCache[int](time.Minute)

	var fetches atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		fetches.Add(1)
		<-release
		return 99, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.get(context.Background(), fetch)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v
		}(i)
	}

	// Give every worker time to pile onto the flight, then release.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1 shared flight", n)
	}
	for i, v := range results {
		if v != 99 {
			t.Errorf("worker %d got %d, want 99", i, v)
		}
	}
}
