package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RunWatchdog sweeps the pending-order table on a fixed cadence, warning on
// orders resting past the warn age and cancelling anything past the cancel
// age. Blocks until ctx is cancelled.
func (c *Client) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	c.logger.Info("stale-order watchdog started",
		"interval", c.cfg.WatchdogInterval,
		"warnAge", c.cfg.StaleWarnAge,
		"cancelAge", c.cfg.StaleCancelAge)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweepPending(ctx)
		}
	}
}

// sweepPending inspects every tracked resting order once.
func (c *Client) sweepPending(ctx context.Context) {
	pending := c.PendingOrders()
	if len(pending) == 0 {
		return
	}

	// Resting orders can fill while nobody is watching; the venue's
	// remaining size is the only view we get of that. Reconcile before
	// making any age-based call.
	remaining := make(map[int64]float64)
	if open, err := c.OpenOrders(ctx); err == nil {
		for _, o := range open {
			remaining[o.OrderID] = o.Size
		}
	} else {
		c.logger.Warn("watchdog: open orders unavailable", "error", err)
	}

	for _, p := range pending {
		if rem, ok := remaining[p.OrderID]; ok {
			if entry, found := c.ledger.Lookup(p.OrderID); found {
				venueFilled := entry.OrderQty.Sub(decimal.NewFromFloat(rem))
				c.ledger.ReconcileTotal(p.OrderID, venueFilled)
			}
		}
		age := time.Since(p.SubmittedAt)
		switch {
		case age > c.cfg.StaleCancelAge:
			c.logger.Warn("cancelling stale order",
				"symbol", p.Symbol, "orderId", p.OrderID, "age", age.Round(time.Second))
			if err := c.CancelOrder(ctx, p.Symbol, p.OrderID); err != nil {
				c.logger.Error("stale cancel failed",
					"symbol", p.Symbol, "orderId", p.OrderID, "error", err)
				// The order may already be gone on the venue; stop tracking
				// it either way so the sweep does not retry forever.
				c.untrackPending(p.OrderID)
			}
		case age > c.cfg.StaleWarnAge:
			c.logger.Warn("order resting long",
				"symbol", p.Symbol, "orderId", p.OrderID, "age", age.Round(time.Second))
		}
	}
}
