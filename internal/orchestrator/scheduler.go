package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"hyperliquid-trader/internal/config"
)

// Run drives one cycle loop per configured pair and blocks until ctx is
// cancelled. Cycle failures never propagate here: the breaker registry and
// the consecutive-error counter decide when trading stops, not the scheduler.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.trading.Enabled {
		o.logger.Warn("trading disabled, scheduler idle")
		<-ctx.Done()
		return ctx.Err()
	}
	if len(o.trading.Pairs) == 0 {
		o.logger.Warn("no trading pairs configured, scheduler idle")
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, pair := range o.trading.Pairs {
		p := pair
		g.Go(func() error {
			o.runPair(ctx, p)
			return nil
		})
	}
	return g.Wait()
}

// runPair is the per-pair loop: one cycle immediately, then one per tick.
func (o *Orchestrator) runPair(ctx context.Context, pair config.PairConfig) {
	interval := o.trading.CycleInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	logger := o.logger.With("symbol", pair.Symbol, "timeframe", pair.Timeframe)
	logger.Info("cycle loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.RunCycle(ctx, pair.Symbol, pair.Timeframe)
	for {
		select {
		case <-ctx.Done():
			logger.Info("cycle loop stopped")
			return
		case <-ticker.C:
			o.RunCycle(ctx, pair.Symbol, pair.Timeframe)
		}
	}
}
