// Package orchestrator sequences the trading pipeline: market data, pattern
// recall, ideation, backtest, selection, risk, execution, learning. Each
// stage runs behind its own circuit breaker; non-critical stages degrade to
// a fallback patch while risk-gate and executor failures abort the cycle.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"hyperliquid-trader/internal/breaker"
	"hyperliquid-trader/internal/bus"
	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/internal/store"
	"hyperliquid-trader/internal/strategy"
	"hyperliquid-trader/pkg/types"
)

// MarketData supplies the candle window a cycle trades on.
type MarketData interface {
	Candles(ctx context.Context, symbol, interval string, lookback int) ([]types.Candle, error)
}

// Executor runs approved signals and reports account state. Satisfied by
// the execution engine.
type Executor interface {
	ExecuteSignal(ctx context.Context, sig types.Signal, assessment *types.RiskAssessment) *types.OrderResult
	Portfolio(ctx context.Context) (*types.Portfolio, error)
}

// TraceStore is the persistence surface a cycle touches. Writes are
// advisory: a failed write is logged or degrades the stage, never the
// trading flow.
type TraceStore interface {
	PatternHistory(ctx context.Context, key string, limit int) ([]store.PatternMatch, error)
	SaveInsight(ctx context.Context, in store.Insight) error
	SaveMarketData(ctx context.Context, cycleID, symbol, timeframe string, candles []types.Candle) error
	SaveCycleTrace(ctx context.Context, tr store.CycleTrace) error
}

// Orchestrator drives trading cycles for the configured pairs.
type Orchestrator struct {
	trading  config.TradingConfig
	strat    config.StrategyConfig
	market   MarketData
	engine   Executor
	store    TraceStore // nil disables persistence and pattern recall
	breakers *breaker.Registry
	bus      *bus.Bus
	logger   *slog.Logger

	consecutiveErrors atomic.Int64
}

func New(trading config.TradingConfig, strat config.StrategyConfig, market MarketData, engine Executor, ts TraceStore, breakers *breaker.Registry, b *bus.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		trading:  trading,
		strat:    strat,
		market:   market,
		engine:   engine,
		store:    ts,
		breakers: breakers,
		bus:      b,
		logger:   logger.With("component", "orchestrator"),
	}
}

// stage is one pipeline step. Non-critical stages carry a degraded patch
// builder used when the stage fails or its breaker is open; critical stages
// have none, so their failures abort the cycle.
type stage struct {
	name     string
	step     types.CycleStep
	critical bool
	run      func(ctx context.Context, cs *CycleState) (StagePatch, error)
	degraded func(err error) StagePatch
}

func (o *Orchestrator) coreStages() []stage {
	return []stage{
		{
			name: "market-data", step: types.StepMarketData,
			run: o.stageMarketData,
			degraded: func(err error) StagePatch {
				return StagePatch{
					Candles:  []types.Candle{},
					Regime:   types.RegimeUnknown,
					Thoughts: []string{degradedThought("market-data", err)},
				}
			},
		},
		{
			name: "pattern-recall", step: types.StepPatternRecall,
			run: o.stagePatternRecall,
			degraded: func(err error) StagePatch {
				return StagePatch{
					SimilarPatterns:  []string{},
					PatternBias:      strategy.BiasNeutral,
					PatternAvgReturn: floatPtr(0),
					Thoughts:         []string{degradedThought("pattern-recall", err)},
				}
			},
		},
		{
			name: "strategy-ideation", step: types.StepStrategyIdeation,
			run: o.stageIdeation,
			degraded: func(err error) StagePatch {
				return StagePatch{
					StrategyIdeas: []strategy.Idea{},
					Thoughts:      []string{degradedThought("strategy-ideation", err)},
				}
			},
		},
		{
			name: "backtester", step: types.StepBacktester,
			run: o.stageBacktest,
			degraded: func(err error) StagePatch {
				return StagePatch{
					BacktestResults: []strategy.BacktestResult{},
					Thoughts:        []string{degradedThought("backtester", err)},
				}
			},
		},
		{
			name: "strategy-selector", step: types.StepStrategySelector,
			run: o.stageSelector,
			degraded: func(err error) StagePatch {
				return StagePatch{
					ShouldExecute: boolPtr(false),
					Thoughts:      []string{degradedThought("strategy-selector", err)},
				}
			},
		},
		{
			name: "risk-gate", step: types.StepRiskGate, critical: true,
			run: o.stageRiskGate,
		},
	}
}

func degradedThought(name string, err error) string {
	if err != nil {
		return fmt.Sprintf("%s failed (%v), continuing with defaults", name, err)
	}
	return fmt.Sprintf("%s circuit open, continuing with defaults", name)
}

// RunCycle executes one full trading cycle for a pair and returns the final
// state. Cycle events publish regardless of persistence outcome.
func (o *Orchestrator) RunCycle(ctx context.Context, symbol, timeframe string) *CycleState {
	cs := newCycleState(symbol, timeframe)

	if o.breakers.IsOpen(breaker.Execution) {
		cs.CurrentStep = types.StepSkippedBreaker
		cs.Thoughts = append(cs.Thoughts, "execution breaker open, cycle skipped")
		o.publishCycle(bus.CycleComplete, cs, nil)
		o.persistTrace(cs)
		return cs
	}

	if o.trading.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.trading.CycleTimeout)
		defer cancel()
	}

	o.publishCycle(bus.CycleStart, cs, nil)
	o.logger.Info("cycle start", "cycle", cs.CycleID, "symbol", symbol, "timeframe", timeframe)

	if err := o.pipeline(ctx, cs); err != nil {
		cs.advance(types.StepError)
		cs.Errors = append(cs.Errors, err.Error())
		o.recordCycleError(err)
		o.publishCycle(bus.CycleError, cs, err)
	} else {
		cs.advance(types.StepDone)
		if cs.Filled() {
			o.consecutiveErrors.Store(0)
		}
		o.publishCycle(bus.CycleComplete, cs, nil)
		o.logger.Info("cycle complete",
			"cycle", cs.CycleID,
			"symbol", symbol,
			"step", cs.CurrentStep,
			"executed", cs.ExecutionResult != nil,
			"durationMs", time.Since(cs.CycleStartTime).Milliseconds())
	}

	o.persistTrace(cs)
	return cs
}

func (o *Orchestrator) pipeline(ctx context.Context, cs *CycleState) error {
	for _, st := range o.coreStages() {
		if err := o.runStage(ctx, cs, st); err != nil {
			return err
		}
		if st.step == types.StepMarketData && !o.marketDataUsable(cs) {
			cs.Thoughts = append(cs.Thoughts, "insufficient market data, ending cycle early")
			return nil
		}
	}

	if cs.ShouldExecute && cs.Signal != nil && cs.RiskAssessment != nil && cs.RiskAssessment.Approved {
		exec := stage{name: "executor", step: types.StepExecution, critical: true, run: o.stageExecute}
		if err := o.runStage(ctx, cs, exec); err != nil {
			return err
		}
	}

	if cs.ShouldLearn && cs.ExecutionResult != nil {
		learn := stage{
			name: "learner", step: types.StepLearning,
			run: o.stageLearn,
			degraded: func(err error) StagePatch {
				// Post-fill persistence failure: recorded as a cycle error,
				// but the fill already happened so the cycle still completes.
				return StagePatch{
					Thoughts: []string{degradedThought("learner", err)},
					Errors:   []string{fmt.Sprintf("learner: %v", err)},
				}
			},
		}
		if err := o.runStage(ctx, cs, learn); err != nil {
			return err
		}
	}
	return nil
}

// runStage advances the step marker, runs the stage behind its named
// breaker, and merges the resulting patch. A non-critical stage that fails
// (or whose breaker is open) merges its degraded patch instead.
func (o *Orchestrator) runStage(ctx context.Context, cs *CycleState, st stage) error {
	cs.advance(st.step)

	var (
		patch    StagePatch
		stageErr error
	)
	fn := func() error {
		p, err := st.run(ctx, cs)
		if err != nil {
			stageErr = err
			return err
		}
		patch = p
		return nil
	}

	var fallback func() error
	if !st.critical {
		fallback = func() error {
			patch = st.degraded(stageErr)
			return nil
		}
	}

	if err := o.breakers.Execute(st.name, fn, fallback); err != nil {
		return fmt.Errorf("%s: %w", st.name, err)
	}
	cs.apply(patch)
	return nil
}

func (o *Orchestrator) marketDataUsable(cs *CycleState) bool {
	min := o.trading.MinCandles
	if min <= 0 {
		min = 50
	}
	return len(cs.Candles) >= min && cs.Indicators != nil
}

func (o *Orchestrator) recordCycleError(err error) {
	n := o.consecutiveErrors.Add(1)
	o.logger.Error("cycle failed", "error", err, "consecutiveErrors", n)
	if max := o.trading.MaxConsecutiveErrors; max > 0 && n >= int64(max) {
		o.logger.Error("consecutive error limit reached, forcing execution breaker open", "limit", max)
		o.breakers.ForceOpen(breaker.Execution)
	}
}

// ConsecutiveErrors reports the current error streak.
func (o *Orchestrator) ConsecutiveErrors() int {
	return int(o.consecutiveErrors.Load())
}

// HealthStatus summarizes the pipeline: CRITICAL when the execution breaker
// is open, DEGRADED while errors accumulate or any stage breaker is off
// CLOSED, HEALTHY otherwise.
func (o *Orchestrator) HealthStatus() types.HealthStatus {
	if o.breakers.IsOpen(breaker.Execution) {
		return types.HealthCritical
	}
	if o.consecutiveErrors.Load() > 0 {
		return types.HealthDegraded
	}
	return o.breakers.HealthSummary()
}

func (o *Orchestrator) publishCycle(ch bus.Channel, cs *CycleState, err error) {
	if o.bus == nil {
		return
	}
	ev := bus.CycleEvent{
		CycleID:   cs.CycleID,
		Symbol:    cs.Symbol,
		Timeframe: cs.Timeframe,
		Step:      cs.CurrentStep,
		Timestamp: time.Now().UTC(),
	}
	if ch != bus.CycleStart {
		ev.DurationMs = time.Since(cs.CycleStartTime).Milliseconds()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.bus.Publish(ch, ev)
}

// persistTrace writes the audit row on its own deadline: the cycle context
// may already be expired when an errored cycle gets here.
func (o *Orchestrator) persistTrace(cs *CycleState) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := store.CycleTrace{
		CycleID:    cs.CycleID,
		Symbol:     cs.Symbol,
		Timeframe:  cs.Timeframe,
		Step:       string(cs.CurrentStep),
		Regime:     string(cs.Regime),
		PatternKey: cs.PatternKey,
		Filled:     cs.Filled(),
		Summary:    cs.Summary(),
	}
	if err := o.store.SaveCycleTrace(ctx, tr); err != nil {
		o.logger.Warn("trace persist failed", "cycle", cs.CycleID, "error", err)
	}
}
