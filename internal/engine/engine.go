// Package engine is the signal-to-order gatekeeper between the strategy
// layer and the exchange client.
//
// ExecuteSignal admits or rejects every trading signal:
//
//  1. HOLD signals are rejected outright.
//  2. Exit orders (direction opposite to the held position) bypass all
//     churn gates, are capped to the position size, and go out reduce-only.
//  3. Entries pass confidence, duplicate-fingerprint, rolling rate-limit,
//     and pacing gates, then get scaled by the safety monitor's multiplier
//     before reaching the exchange client.
//
// Filled entries register a managed stop-loss/take-profit plan; the exit
// monitor (exits.go) watches those plans and synthesizes reduce-only exits
// when they trigger. Every outcome is published on the event bus and filled
// trades are persisted best-effort.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"hyperliquid-trader/internal/bus"
	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/internal/risk"
	"hyperliquid-trader/pkg/types"
)

// Venue is the slice of the exchange client the engine drives. Satisfied by
// *exchange.Client.
type Venue interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) *types.OrderResult
	AccountState(ctx context.Context) (*types.Portfolio, error)
	OpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context) (int, error)
	CloseAllPositions(ctx context.Context) []*types.OrderResult
	OrderStats() map[string]types.OrderStats
}

// TradeStore persists executed trades. Persistence failures are logged and
// never abort the trading flow.
type TradeStore interface {
	SaveTrade(ctx context.Context, t *types.Trade) error
}

// Engine gates signals into orders. One instance serves every symbol;
// per-symbol admission state lives in symbolGate actors.
type Engine struct {
	cfg    config.ExecutionConfig
	venue  Venue
	store  TradeStore // may be nil
	bus    *bus.Bus
	safety *risk.Monitor
	logger *slog.Logger

	mu    sync.Mutex
	gates map[string]*symbolGate

	plans *planBook
	pnl   *pnlBook
}

// fingerprint is the dedup identity of the last admitted entry signal.
type fingerprint struct {
	action     types.Action
	price      float64
	confidence float64
	reason     string
	at         time.Time
}

// symbolGate holds one symbol's engine-level admission state. All fields are
// guarded by mu; the gate never holds mu across I/O.
type symbolGate struct {
	mu            sync.Mutex
	last          *fingerprint
	signalTimes   []time.Time // admissions inside the rolling rate window
	lastOrderAt   time.Time
	cooldownUntil time.Time // set after a failed entry submission
}

// New creates the execution engine.
func New(cfg config.ExecutionConfig, venue Venue, store TradeStore, b *bus.Bus, safety *risk.Monitor, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		venue:  venue,
		store:  store,
		bus:    b,
		safety: safety,
		logger: logger.With("component", "engine"),
		gates:  make(map[string]*symbolGate),
		plans:  newPlanBook(),
		pnl:    newPnLBook(),
	}
}

func (e *Engine) gate(symbol string) *symbolGate {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[symbol]
	if !ok {
		g = &symbolGate{}
		e.gates[symbol] = g
	}
	return g
}

// ExecuteSignal runs the full admission pipeline for one signal and returns
// a structured result. Callers never see raw transport errors.
func (e *Engine) ExecuteSignal(ctx context.Context, sig types.Signal, assessment *types.RiskAssessment) *types.OrderResult {
	side := sig.Action.Side()
	if sig.Action == types.ActionHold {
		return e.finish(sig, false, types.Rejected(sig.Symbol, side, types.RejectHold))
	}

	portfolio, err := e.venue.AccountState(ctx)
	if err != nil {
		return e.finish(sig, false, types.Errored(sig.Symbol, side,
			fmt.Sprintf("account state unavailable: %v", err)))
	}
	position := portfolio.FindPosition(sig.Symbol)

	// An exit order trades against the held position's direction.
	isExit := position != nil &&
		((position.Side == types.LONG && side == types.SELL) ||
			(position.Side == types.SHORT && side == types.BUY))

	exitIntent := assessment.ExitIntent() ||
		sig.StrategyID == types.StrategyPositionRecovery ||
		sig.StrategyID == types.StrategyRiskManagedExit
	if exitIntent && position == nil {
		e.logger.Warn("exit signal with no position", "symbol", sig.Symbol, "strategy", sig.StrategyID)
		return e.finish(sig, false, types.Errored(sig.Symbol, side, "no open position to close"))
	}

	g := e.gate(sig.Symbol)
	if !isExit {
		if result := e.admitEntry(g, sig, side); result != nil {
			return e.finish(sig, false, result)
		}
	}

	size := sig.Size
	if isExit {
		// Never close more than is held.
		if size <= 0 || size > position.Size {
			size = position.Size
		}
	} else {
		mult := e.safety.PositionSizeMultiplier()
		if mult == 0 {
			e.logger.Warn("entry blocked: safety halt", "symbol", sig.Symbol)
			return e.finish(sig, false, types.Rejected(sig.Symbol, side, types.RejectSafetyHalt))
		}
		size *= mult
	}

	// Record admission state before the network call so a concurrent
	// duplicate cannot slip through while this one is in flight.
	if !isExit {
		now := time.Now()
		g.mu.Lock()
		g.lastOrderAt = now
		g.last = &fingerprint{
			action:     sig.Action,
			price:      sig.Price,
			confidence: sig.Confidence,
			reason:     sig.Reason,
			at:         now,
		}
		g.signalTimes = append(g.signalTimes, now)
		g.mu.Unlock()
	}

	var entryPrice float64
	if position != nil {
		entryPrice = position.EntryPrice
	}

	result := e.venue.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       side,
		Size:       size,
		Price:      sig.Price,
		Type:       sig.Type,
		ReduceOnly: isExit,
		Confidence: sig.Confidence,
	})

	if !isExit && result.Status == types.OrderError {
		g.mu.Lock()
		g.cooldownUntil = time.Now().Add(e.cfg.OrderCooldown)
		g.mu.Unlock()
	}

	if result.Status == types.OrderFilled {
		e.settleFill(ctx, sig, assessment, result, isExit, entryPrice)
	}
	return e.finish(sig, isExit, result)
}

// admitEntry applies the engine-level churn gates. Returns a rejection
// result, or nil to proceed. Gate order matters: confidence, duplicate,
// rate limit, pacing — so a repeated signal reports DUPLICATE_SIGNAL rather
// than a pacing rejection.
func (e *Engine) admitEntry(g *symbolGate, sig types.Signal, side types.Side) *types.OrderResult {
	if sig.Confidence < e.cfg.MinConfidence {
		e.logger.Info("entry rejected: low confidence",
			"symbol", sig.Symbol, "confidence", sig.Confidence, "floor", e.cfg.MinConfidence)
		return types.Rejected(sig.Symbol, side, types.RejectConfidence)
	}

	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if fp := g.last; fp != nil && now.Sub(fp.at) < e.cfg.DedupWindow && fp.action == sig.Action {
		priceNear := false
		if fp.price > 0 {
			priceNear = math.Abs(sig.Price-fp.price)/fp.price < e.cfg.DedupPriceTolerance
		} else {
			priceNear = sig.Price == fp.price
		}
		confNear := math.Abs(sig.Confidence-fp.confidence) < e.cfg.DedupConfidenceTolerance &&
			sig.Reason == fp.reason
		if priceNear || confNear {
			e.logger.Info("entry rejected: duplicate signal",
				"symbol", sig.Symbol, "action", sig.Action, "price", sig.Price)
			return types.Rejected(sig.Symbol, side, types.RejectDuplicate)
		}
	}

	// Prune the rolling window, then count this minute's admissions.
	cutoff := now.Add(-time.Minute)
	kept := g.signalTimes[:0]
	for _, t := range g.signalTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.signalTimes = kept
	if len(g.signalTimes) >= e.cfg.MaxSignalsPerMinute {
		e.logger.Warn("entry rejected: rate limited",
			"symbol", sig.Symbol, "window", len(g.signalTimes))
		return types.Rejected(sig.Symbol, side, types.RejectRateLimit)
	}

	if !g.lastOrderAt.IsZero() && now.Sub(g.lastOrderAt) < e.cfg.MinOrderInterval {
		e.logger.Info("entry rejected: min order interval",
			"symbol", sig.Symbol, "since", now.Sub(g.lastOrderAt).Round(time.Millisecond))
		return types.Rejected(sig.Symbol, side, types.RejectCooldown)
	}
	if g.cooldownUntil.After(now) {
		e.logger.Info("entry rejected: cooling down after failure",
			"symbol", sig.Symbol, "until", g.cooldownUntil)
		return types.Rejected(sig.Symbol, side, types.RejectCooldown)
	}
	return nil
}

// settleFill handles the post-fill bookkeeping: trade persistence, plan
// registration/clearing, realized PnL, and position events.
func (e *Engine) settleFill(ctx context.Context, sig types.Signal, assessment *types.RiskAssessment, result *types.OrderResult, isExit bool, entryPrice float64) {
	trade := types.Trade{
		ID:         uuid.NewString(),
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       result.Side,
		Size:       result.FilledSize,
		Price:      result.AvgPrice,
		Timestamp:  result.Timestamp,
		Type:       sig.Type,
		Status:     types.TradeFilled,
		EntryExit:  types.Entry,
	}

	if isExit {
		trade.EntryExit = types.Exit
		pnl := 0.0
		if entryPrice > 0 {
			if result.Side == types.SELL { // closing a LONG
				pnl = (result.AvgPrice - entryPrice) * result.FilledSize
			} else { // closing a SHORT
				pnl = (entryPrice - result.AvgPrice) * result.FilledSize
			}
		}
		trade.PnL = pnl

		e.plans.drop(sig.Symbol)
		e.safety.RecordTrade(pnl)

		closedSide := types.LONG
		if result.Side == types.BUY {
			closedSide = types.SHORT
		}
		e.bus.Publish(bus.PositionClosed, bus.PositionEvent{
			Symbol:     sig.Symbol,
			Side:       closedSide,
			Size:       result.FilledSize,
			EntryPrice: entryPrice,
			ExitPrice:  result.AvgPrice,
			PnL:        pnl,
			Reason:     sig.Reason,
			Timestamp:  time.Now(),
		})
		e.logger.Info("position closed",
			"symbol", sig.Symbol, "side", closedSide,
			"size", result.FilledSize, "exitPx", result.AvgPrice, "pnl", pnl)
	} else {
		if assessment != nil && (assessment.StopLoss > 0 || assessment.TakeProfit > 0) {
			openedSide := types.LONG
			if result.Side == types.SELL {
				openedSide = types.SHORT
			}
			e.plans.register(types.ManagedExitPlan{
				Symbol:        sig.Symbol,
				Side:          openedSide,
				EntryPrice:    result.AvgPrice,
				StopLossPct:   assessment.StopLoss,
				TakeProfitPct: assessment.TakeProfit,
				CreatedAt:     time.Now(),
			})
			e.logger.Info("managed exit plan registered",
				"symbol", sig.Symbol, "side", openedSide,
				"entryPx", result.AvgPrice,
				"sl", assessment.StopLoss, "tp", assessment.TakeProfit)
		}

		openedSide := types.LONG
		if result.Side == types.SELL {
			openedSide = types.SHORT
		}
		e.bus.Publish(bus.PositionOpened, bus.PositionEvent{
			Symbol:     sig.Symbol,
			Side:       openedSide,
			Size:       result.FilledSize,
			EntryPrice: result.AvgPrice,
			Timestamp:  time.Now(),
		})
	}

	e.pnl.record(trade)
	if e.store != nil {
		if err := e.store.SaveTrade(ctx, &trade); err != nil {
			e.logger.Error("trade persistence failed", "symbol", sig.Symbol, "error", err)
		}
	}
}

// finish publishes the execution outcome and returns the result unchanged.
// RESTING orders publish nothing; the watchdog and open-orders poll own them.
func (e *Engine) finish(sig types.Signal, isExit bool, result *types.OrderResult) *types.OrderResult {
	switch result.Status {
	case types.OrderFilled:
		e.bus.Publish(bus.ExecutionFilled, bus.ExecutionEvent{
			Symbol:     result.Symbol,
			Side:       result.Side,
			Size:       result.FilledSize,
			Price:      result.AvgPrice,
			OrderID:    result.OrderID,
			StrategyID: sig.StrategyID,
			ReduceOnly: isExit,
			Timestamp:  time.Now(),
		})
	case types.OrderRejected, types.OrderError:
		reason := string(result.Reason)
		if reason == "" {
			reason = result.Error
		}
		e.bus.Publish(bus.ExecutionFailed, bus.ExecutionEvent{
			Symbol:     result.Symbol,
			Side:       result.Side,
			Size:       sig.Size,
			StrategyID: sig.StrategyID,
			ReduceOnly: isExit,
			Reason:     reason,
			Timestamp:  time.Now(),
		})
	}
	return result
}

// ————————————————————————————————————————————————————————————————————————
// Introspection and operator actions
// ————————————————————————————————————————————————————————————————————————

// Portfolio returns the venue account snapshot.
func (e *Engine) Portfolio(ctx context.Context) (*types.Portfolio, error) {
	return e.venue.AccountState(ctx)
}

// Positions returns the open positions.
func (e *Engine) Positions(ctx context.Context) ([]types.Position, error) {
	p, err := e.venue.AccountState(ctx)
	if err != nil {
		return nil, err
	}
	return p.Positions, nil
}

// OpenOrders returns the venue's resting orders.
func (e *Engine) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	return e.venue.OpenOrders(ctx)
}

// CancelOrder cancels one resting order.
func (e *Engine) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return e.venue.CancelOrder(ctx, symbol, orderID)
}

// RealizedPnL returns the session's realized PnL total.
func (e *Engine) RealizedPnL() float64 {
	return e.pnl.realizedTotal()
}

// RecentTrades returns up to limit trades, newest first.
func (e *Engine) RecentTrades(limit int) []types.Trade {
	return e.pnl.recent(limit)
}

// AntiChurnStats exposes the exchange client's per-symbol fill accounting.
func (e *Engine) AntiChurnStats() map[string]types.OrderStats {
	return e.venue.OrderStats()
}

// SafetySnapshot exposes the safety monitor state for the dashboard.
func (e *Engine) SafetySnapshot() risk.Snapshot {
	return e.safety.Snapshot()
}

// ExitPlans returns the active managed exit plans.
func (e *Engine) ExitPlans() []types.ManagedExitPlan {
	return e.plans.snapshot()
}

// EmergencyStop cancels every resting order, closes every position with
// reduce-only markets, drops all exit plans, and raises an operator alert.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) (cancelled, closed int) {
	e.logger.Error("EMERGENCY STOP", "reason", reason)

	cancelled, err := e.venue.CancelAllOrders(ctx)
	if err != nil {
		e.logger.Error("emergency stop: cancel all failed", "error", err)
	}

	for _, res := range e.venue.CloseAllPositions(ctx) {
		if res.Status == types.OrderFilled {
			closed++
		} else {
			e.logger.Error("emergency stop: close failed",
				"symbol", res.Symbol, "status", res.Status, "error", res.Error)
		}
	}

	e.plans.clear()

	e.bus.Publish(bus.Error, bus.ErrorEvent{
		Type:      "EMERGENCY_STOP",
		Message:   fmt.Sprintf("emergency stop: %s (%d orders cancelled, %d positions closed)", reason, cancelled, closed),
		Source:    "engine",
		Timestamp: time.Now(),
	})
	return cancelled, closed
}
