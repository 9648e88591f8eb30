package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"hyperliquid-trader/pkg/types"
)

func longPlan(symbol string, entry, sl, tp float64) types.ManagedExitPlan {
	return types.ManagedExitPlan{
		Symbol:        symbol,
		Side:          types.LONG,
		EntryPrice:    entry,
		StopLossPct:   sl,
		TakeProfitPct: tp,
		CreatedAt:     time.Now(),
	}
}

func TestExitTriggerTakeProfitArmsLate(t *testing.T) {
	t.Parallel()
	eng, _ := testEngine(t, &fakeVenue{}, nil)
	plan := longPlan("BTC", 50005, 0.02, 0.05)

	// +5.01% is past the 5% target but short of the 5.75% late threshold.
	if reason, fired := eng.exitTrigger(plan, 52510); fired {
		t.Fatalf("fired at +5.01%%: %s", reason)
	}
	// +5.75% crosses 0.05 × 1.15.
	reason, fired := eng.exitTrigger(plan, 52881)
	if !fired {
		t.Fatal("did not fire at +5.75%")
	}
	if !strings.HasPrefix(reason, "take profit") {
		t.Fatalf("reason = %q, want take profit", reason)
	}
}

func TestExitTriggerStopLossArmsEarly(t *testing.T) {
	t.Parallel()
	eng, _ := testEngine(t, &fakeVenue{}, nil)
	plan := longPlan("BTC", 50000, 0.02, 0)

	// The 2% stop arms at 1.8% (0.02 × 0.9).
	if reason, fired := eng.exitTrigger(plan, 49150); fired { // -1.7%
		t.Fatalf("fired at -1.7%%: %s", reason)
	}
	reason, fired := eng.exitTrigger(plan, 49050) // -1.9%
	if !fired {
		t.Fatal("did not fire at -1.9%")
	}
	if !strings.HasPrefix(reason, "stop loss") {
		t.Fatalf("reason = %q, want stop loss", reason)
	}
}

func TestExitTriggerStopLossFloor(t *testing.T) {
	t.Parallel()
	eng, _ := testEngine(t, &fakeVenue{}, nil)
	// A 0.05% stop would arm at 0.045%; the 0.1% floor dominates.
	plan := longPlan("BTC", 50000, 0.0005, 0)

	if _, fired := eng.exitTrigger(plan, 49970); fired { // -0.06%
		t.Fatal("fired inside the floor")
	}
	if _, fired := eng.exitTrigger(plan, 49945); !fired { // -0.11%
		t.Fatal("did not fire past the floor")
	}
}

func TestExitTriggerShortSide(t *testing.T) {
	t.Parallel()
	eng, _ := testEngine(t, &fakeVenue{}, nil)
	plan := types.ManagedExitPlan{
		Symbol: "ETH", Side: types.SHORT, EntryPrice: 3000,
		StopLossPct: 0.02, TakeProfitPct: 0.05, CreatedAt: time.Now(),
	}

	if _, fired := eng.exitTrigger(plan, 2990); fired { // +0.33% for the short
		t.Fatal("fired on a small favorable move")
	}
	if reason, fired := eng.exitTrigger(plan, 2820); !fired || !strings.HasPrefix(reason, "take profit") { // +6%
		t.Fatalf("short take profit: fired=%v reason=%q", fired, reason)
	}
	if reason, fired := eng.exitTrigger(plan, 3055); !fired || !strings.HasPrefix(reason, "stop loss") { // -1.83%
		t.Fatalf("short stop loss: fired=%v reason=%q", fired, reason)
	}
}

func TestExitTriggerIgnoresUnsetStops(t *testing.T) {
	t.Parallel()
	eng, _ := testEngine(t, &fakeVenue{}, nil)

	plan := longPlan("BTC", 50000, 0, 0)
	if _, fired := eng.exitTrigger(plan, 10); fired {
		t.Fatal("fired with no stops configured")
	}
	if _, fired := eng.exitTrigger(plan, 500000); fired {
		t.Fatal("fired with no stops configured")
	}
}

func TestSweepDropsPlanWhenPositionGone(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{} // flat account
	eng, _ := testEngine(t, venue, nil)
	eng.plans.register(longPlan("BTC", 50000, 0.02, 0.05))

	eng.sweepExits(context.Background())

	if plans := eng.ExitPlans(); len(plans) != 0 {
		t.Fatalf("stale plan survived: %+v", plans)
	}
	if venue.placedCount() != 0 {
		t.Fatal("sweep placed an order with no position")
	}
}

func TestSweepDropsPlanOnSideFlip(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{portfolio: &types.Portfolio{
		Positions: []types.Position{{
			Symbol: "BTC", Side: types.SHORT, Size: 0.01,
			EntryPrice: 50000, MarkPrice: 40000,
		}},
	}}
	eng, _ := testEngine(t, venue, nil)
	eng.plans.register(longPlan("BTC", 50000, 0.02, 0.05))

	eng.sweepExits(context.Background())

	if plans := eng.ExitPlans(); len(plans) != 0 {
		t.Fatalf("flipped-side plan survived: %+v", plans)
	}
	if venue.placedCount() != 0 {
		t.Fatal("sweep placed an order against a flipped position")
	}
}

func TestSweepSynthesizesReduceOnlyExit(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		portfolio: longPortfolio("BTC", 0.01, 50000, 57750), // +15.5%
		results: []*types.OrderResult{{
			Status:     types.OrderFilled,
			FilledSize: 0.01,
			AvgPrice:   57750,
			Timestamp:  time.Now(),
		}},
	}
	eng, _ := testEngine(t, venue, nil)
	eng.plans.register(longPlan("BTC", 50000, 0.02, 0.05))

	eng.sweepExits(context.Background())

	if venue.placedCount() != 1 {
		t.Fatalf("venue saw %d orders, want 1", venue.placedCount())
	}
	req := venue.lastPlaced(t)
	if req.Side != types.SELL || !req.ReduceOnly || req.Size != 0.01 {
		t.Fatalf("synthesized exit = %+v, want reduce-only SELL 0.01", req)
	}
	if req.Type != types.OrderTypeMarket {
		t.Fatalf("exit type %s, want MARKET", req.Type)
	}
	if plans := eng.ExitPlans(); len(plans) != 0 {
		t.Fatalf("plan survived the managed close: %+v", plans)
	}
	if got := eng.RealizedPnL(); got != 77.5 {
		t.Fatalf("realized PnL %v, want 77.5", got)
	}
}

func TestSweepRetriesFailedExit(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		portfolio: longPortfolio("BTC", 0.01, 50000, 45000), // deep stop-loss breach
		results: []*types.OrderResult{
			{Status: types.OrderError, Error: "venue 503"},
			{Status: types.OrderFilled, FilledSize: 0.01, AvgPrice: 45000, Timestamp: time.Now()},
		},
	}
	eng, _ := testEngine(t, venue, nil)
	eng.plans.register(longPlan("BTC", 50000, 0.02, 0.05))
	ctx := context.Background()

	eng.sweepExits(ctx)
	if venue.placedCount() != 1 {
		t.Fatalf("first sweep placed %d orders, want 1", venue.placedCount())
	}
	if plans := eng.ExitPlans(); len(plans) != 1 {
		t.Fatal("failed exit dropped its plan; it must stay armed")
	}

	eng.sweepExits(ctx)
	if venue.placedCount() != 2 {
		t.Fatalf("second sweep placed %d orders total, want 2", venue.placedCount())
	}
	if plans := eng.ExitPlans(); len(plans) != 0 {
		t.Fatal("plan survived the successful retry")
	}
}

func TestSweepSkipsInFlightExits(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{portfolio: longPortfolio("BTC", 0.01, 50000, 45000)}
	eng, _ := testEngine(t, venue, nil)
	eng.plans.register(longPlan("BTC", 50000, 0.02, 0.05))

	if !eng.plans.claim("BTC") {
		t.Fatal("first claim refused")
	}
	eng.sweepExits(context.Background())

	if venue.placedCount() != 0 {
		t.Fatal("sweep double-submitted an in-flight exit")
	}
}

func TestSweepToleratesAccountOutage(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{accountErr: context.DeadlineExceeded}
	eng, _ := testEngine(t, venue, nil)
	eng.plans.register(longPlan("BTC", 50000, 0.02, 0.05))

	eng.sweepExits(context.Background())

	if plans := eng.ExitPlans(); len(plans) != 1 {
		t.Fatal("outage sweep dropped the plan")
	}
}
