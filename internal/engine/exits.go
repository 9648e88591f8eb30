package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"hyperliquid-trader/pkg/types"
)

// planBook tracks the managed stop-loss/take-profit plans keyed by symbol.
// inFlight marks symbols with a synthesized exit already submitted so a slow
// fill cannot trigger a second close on the next sweep.
type planBook struct {
	mu       sync.Mutex
	plans    map[string]types.ManagedExitPlan
	inFlight map[string]bool
}

func newPlanBook() *planBook {
	return &planBook{
		plans:    make(map[string]types.ManagedExitPlan),
		inFlight: make(map[string]bool),
	}
}

func (b *planBook) register(p types.ManagedExitPlan) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plans[p.Symbol] = p
	delete(b.inFlight, p.Symbol)
}

func (b *planBook) drop(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.plans, symbol)
	delete(b.inFlight, symbol)
}

func (b *planBook) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plans = make(map[string]types.ManagedExitPlan)
	b.inFlight = make(map[string]bool)
}

func (b *planBook) snapshot() []types.ManagedExitPlan {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.ManagedExitPlan, 0, len(b.plans))
	for _, p := range b.plans {
		out = append(out, p)
	}
	return out
}

// claim marks a symbol's exit as in flight. Returns false if one already is.
func (b *planBook) claim(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight[symbol] {
		return false
	}
	b.inFlight[symbol] = true
	return true
}

func (b *planBook) release(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, symbol)
}

// RunExitMonitor watches managed exit plans until ctx is cancelled. Each
// sweep compares every plan against the live position and synthesizes a
// reduce-only market exit when a stop-loss or take-profit triggers.
func (e *Engine) RunExitMonitor(ctx context.Context) error {
	interval := e.cfg.ExitMonitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	e.logger.Info("exit monitor started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("exit monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			e.sweepExits(ctx)
		}
	}
}

// sweepExits evaluates every registered plan once. Split out of the ticker
// loop so tests can drive sweeps directly.
func (e *Engine) sweepExits(ctx context.Context) {
	plans := e.plans.snapshot()
	if len(plans) == 0 {
		return
	}

	portfolio, err := e.venue.AccountState(ctx)
	if err != nil {
		e.logger.Warn("exit sweep: account state unavailable", "error", err)
		return
	}

	for _, plan := range plans {
		pos := portfolio.FindPosition(plan.Symbol)
		if pos == nil || pos.Side != plan.Side {
			// Closed or flipped outside the managed flow; plan is stale.
			e.logger.Info("dropping stale exit plan", "symbol", plan.Symbol, "side", plan.Side)
			e.plans.drop(plan.Symbol)
			continue
		}

		reason, triggered := e.exitTrigger(plan, pos.MarkPrice)
		if !triggered {
			continue
		}
		if !e.plans.claim(plan.Symbol) {
			continue // previous sweep's exit still in flight
		}

		action := types.ActionSell
		if plan.Side == types.SHORT {
			action = types.ActionBuy
		}
		sig := types.Signal{
			ID:         uuid.NewString(),
			StrategyID: types.StrategyRiskManagedExit,
			Symbol:     plan.Symbol,
			Action:     action,
			Size:       pos.Size,
			Type:       types.OrderTypeMarket,
			Confidence: 1.0,
			Reason:     reason,
			Timestamp:  time.Now(),
		}
		e.logger.Warn("managed exit triggered",
			"symbol", plan.Symbol, "side", plan.Side,
			"entryPx", plan.EntryPrice, "markPx", pos.MarkPrice, "reason", reason)

		result := e.ExecuteSignal(ctx, sig, &types.RiskAssessment{
			Approved:      true,
			SuggestedSize: pos.Size,
		})
		if result.Status != types.OrderFilled {
			// Keep the plan armed: release the claim so the next sweep
			// retries while the position is still open.
			e.plans.release(plan.Symbol)
			e.logger.Error("managed exit failed",
				"symbol", plan.Symbol, "status", result.Status,
				"reason", result.Reason, "error", result.Error)
		}
	}
}

// exitTrigger decides whether the plan fires at the given mark price.
//
// The stop-loss arms early (factor < 1 tightens it) and never below the
// absolute floor; the take-profit arms late (factor > 1 lets winners run
// past the strategy's target).
func (e *Engine) exitTrigger(plan types.ManagedExitPlan, markPrice float64) (string, bool) {
	if plan.EntryPrice <= 0 || markPrice <= 0 {
		return "", false
	}
	pnlPct := (markPrice - plan.EntryPrice) / plan.EntryPrice
	if plan.Side == types.SHORT {
		pnlPct = -pnlPct
	}

	if plan.StopLossPct > 0 {
		slAt := math.Max(e.cfg.StopLossFloor, plan.StopLossPct*e.cfg.StopLossEarlyFactor)
		if pnlPct <= -slAt {
			return fmt.Sprintf("stop loss: %.2f%% <= -%.2f%%", pnlPct*100, slAt*100), true
		}
	}
	if plan.TakeProfitPct > 0 {
		tpAt := plan.TakeProfitPct * e.cfg.TakeProfitLateFactor
		if pnlPct >= tpAt {
			return fmt.Sprintf("take profit: %.2f%% >= %.2f%%", pnlPct*100, tpAt*100), true
		}
	}
	return "", false
}
