package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-trader/internal/ledger"
	"hyperliquid-trader/pkg/types"
)

func TestSweepCancelsStaleOrder(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.exchangeReplies = []exchangeReply{{body: `{"status":"ok","response":{"type":"cancel"}}`}}
	venue.openOrdersJSON = `[{"coin":"BTC","side":"B","limitPx":"49000","sz":"0.6","oid":42,"timestamp":1700000000000}]`
	c := newTestClient(t, venue, testPrivateKey)

	c.ledger.RegisterOrder(ledger.Entry{
		ClientOrderID: "stale-1",
		Symbol:        "BTC",
		Side:          types.BUY,
		OrderQty:      decimal.NewFromFloat(0.6),
	})
	if err := c.ledger.Bind("stale-1", 42); err != nil {
		t.Fatal(err)
	}
	c.trackPending(types.PendingOrder{
		OrderID:     42,
		Symbol:      "BTC",
		Side:        types.BUY,
		SubmittedAt: time.Now().Add(-2 * time.Minute),
	})

	c.sweepPending(context.Background())

	if got := c.PendingOrders(); len(got) != 0 {
		t.Fatalf("stale order still tracked: %+v", got)
	}
	entry, ok := c.ledger.Lookup(42)
	if !ok {
		t.Fatal("ledger entry gone after cancel")
	}
	if entry.Status != ledger.StatusCancelled {
		t.Fatalf("entry status = %s, want %s", entry.Status, ledger.StatusCancelled)
	}
}

func TestSweepLeavesFreshOrder(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.openOrdersJSON = `[{"coin":"BTC","side":"B","limitPx":"49000","sz":"0.6","oid":7,"timestamp":1700000000000}]`
	c := newTestClient(t, venue, testPrivateKey)

	c.trackPending(types.PendingOrder{
		OrderID:     7,
		Symbol:      "BTC",
		Side:        types.BUY,
		SubmittedAt: time.Now(),
	})

	c.sweepPending(context.Background())

	if got := c.PendingOrders(); len(got) != 1 {
		t.Fatalf("fresh order dropped, tracked=%d", len(got))
	}
	venue.mu.Lock()
	fetches := venue.infoCalls["openOrders"]
	cancels := venue.exchangeCalls
	venue.mu.Unlock()
	if fetches != 1 {
		t.Errorf("openOrders fetched %d times during sweep, want 1", fetches)
	}
	if cancels != 0 {
		t.Errorf("sweep issued %d exchange calls, want 0", cancels)
	}
}

func TestSweepIdleWithoutPendingOrders(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	c := newTestClient(t, venue, testPrivateKey)

	c.sweepPending(context.Background())

	venue.mu.Lock()
	fetches := venue.infoCalls["openOrders"]
	venue.mu.Unlock()
	if fetches != 0 {
		t.Errorf("openOrders fetched %d times with nothing tracked, want 0", fetches)
	}
}
