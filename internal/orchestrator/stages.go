package orchestrator

import (
	"context"
	"fmt"

	"hyperliquid-trader/internal/store"
	"hyperliquid-trader/internal/strategy"
	"hyperliquid-trader/pkg/types"
)

// stageMarketData pulls the candle window, computes indicators, classifies
// the regime, and snapshots the portfolio. The candle tail is persisted as a
// side effect; a failed write only logs.
func (o *Orchestrator) stageMarketData(ctx context.Context, cs *CycleState) (StagePatch, error) {
	lookback := o.trading.CandleLookback
	if lookback <= 0 {
		lookback = 200
	}
	candles, err := o.market.Candles(ctx, cs.Symbol, cs.Timeframe, lookback)
	if err != nil {
		return StagePatch{}, fmt.Errorf("fetch candles: %w", err)
	}

	ind := strategy.ComputeIndicators(candles)
	regime := strategy.ClassifyRegime(ind, o.strat.VolatileATR)

	patch := StagePatch{
		Candles:    candles,
		Indicators: ind,
		Regime:     regime,
		Thoughts:   []string{fmt.Sprintf("%d candles fetched, regime %s", len(candles), regime)},
	}

	if portfolio, err := o.engine.Portfolio(ctx); err == nil {
		patch.Portfolio = portfolio
	} else {
		patch.Thoughts = append(patch.Thoughts, fmt.Sprintf("portfolio snapshot unavailable: %v", err))
	}

	if o.store != nil && len(candles) > 0 {
		tail := candles
		if len(tail) > traceCandleTail {
			tail = tail[len(tail)-traceCandleTail:]
		}
		if err := o.store.SaveMarketData(ctx, cs.CycleID, cs.Symbol, cs.Timeframe, tail); err != nil {
			o.logger.Warn("market data persist failed", "cycle", cs.CycleID, "error", err)
		}
	}
	return patch, nil
}

// stagePatternRecall buckets the current market state and asks the pattern
// memory how cycles under the same fingerprint went.
func (o *Orchestrator) stagePatternRecall(ctx context.Context, cs *CycleState) (StagePatch, error) {
	key := strategy.NewFingerprint(cs.Indicators, cs.Regime).Key()

	patch := StagePatch{
		PatternKey:       key,
		SimilarPatterns:  []string{},
		PatternBias:      strategy.BiasNeutral,
		PatternAvgReturn: floatPtr(0),
	}
	if o.store == nil {
		patch.Thoughts = []string{"no trace store, pattern recall skipped"}
		return patch, nil
	}

	lookback := o.strat.PatternLookback
	if lookback <= 0 {
		lookback = 50
	}
	matches, err := o.store.PatternHistory(ctx, key, lookback)
	if err != nil {
		return StagePatch{}, fmt.Errorf("pattern history: %w", err)
	}

	ids := make([]string, len(matches))
	returns := make([]float64, len(matches))
	for i, m := range matches {
		ids[i] = m.CycleID
		returns[i] = m.Outcome
	}
	stats := strategy.SummarizeOutcomes(returns)

	patch.SimilarPatterns = ids
	patch.PatternBias = stats.Bias
	patch.PatternAvgReturn = floatPtr(stats.AvgReturn)
	patch.Thoughts = []string{fmt.Sprintf("pattern %s: %d prior cycles, bias %s (avg %+.2f%%)",
		key, stats.Matches, stats.Bias, stats.AvgReturn*100)}
	return patch, nil
}

// stageIdeation emits the rule-based candidates the window supports.
func (o *Orchestrator) stageIdeation(_ context.Context, cs *CycleState) (StagePatch, error) {
	ideas := strategy.GenerateIdeas(cs.Symbol, cs.Candles, cs.Indicators, cs.Regime)
	if ideas == nil {
		ideas = []strategy.Idea{}
	}

	thought := "no rule fired on this window"
	if len(ideas) > 0 {
		kinds := make([]string, len(ideas))
		for i, idea := range ideas {
			kinds[i] = fmt.Sprintf("%s/%s", idea.Kind, idea.Action)
		}
		thought = fmt.Sprintf("%d candidate ideas: %v", len(ideas), kinds)
	}
	return StagePatch{StrategyIdeas: ideas, Thoughts: []string{thought}}, nil
}

// stageBacktest replays every idea over the fetched window.
func (o *Orchestrator) stageBacktest(_ context.Context, cs *CycleState) (StagePatch, error) {
	bt := &strategy.Backtester{
		FeeRate:      o.strat.FeeRate,
		SlippageRate: o.strat.SlippageRate,
		Warmup:       o.trading.MinCandles,
	}
	results := bt.RunAll(cs.StrategyIdeas, cs.Candles)

	best := 0.0
	for _, r := range results {
		if r.Score > best {
			best = r.Score
		}
	}
	return StagePatch{
		BacktestResults: results,
		Thoughts:        []string{fmt.Sprintf("replayed %d ideas, best score %.2f", len(results), best)},
	}, nil
}

// stageSelector picks the best-scoring idea above the floor and turns it
// into a signal at the last close. Size stays zero for the risk gate.
func (o *Orchestrator) stageSelector(_ context.Context, cs *CycleState) (StagePatch, error) {
	sel := strategy.Select(cs.StrategyIdeas, cs.BacktestResults, o.strat.MinScore)
	if sel == nil {
		return StagePatch{
			ShouldExecute: boolPtr(false),
			Thoughts:      []string{fmt.Sprintf("no idea cleared the %.2f score floor", o.strat.MinScore)},
		}, nil
	}

	sig := sel.Signal(cs.Indicators.LastClose)
	return StagePatch{
		Selected: sel,
		Signal:   sig,
		Thoughts: []string{fmt.Sprintf("selected %s %s (score %.2f, confidence %.2f)",
			sel.Idea.Kind, sel.Idea.Action, sel.Result.Score, sig.Confidence)},
	}, nil
}

// patternMinMatches is how much same-fingerprint history it takes before the
// bias is allowed to push back on an entry.
const patternMinMatches = 5

// stageRiskGate sizes the trade and issues the verdict. Critical: a sizing
// failure aborts the cycle rather than letting an unsized order through.
func (o *Orchestrator) stageRiskGate(_ context.Context, cs *CycleState) (StagePatch, error) {
	if cs.Signal == nil {
		return StagePatch{
			ShouldExecute: boolPtr(false),
			Thoughts:      []string{"no signal to assess"},
		}, nil
	}
	if cs.Selected == nil {
		return StagePatch{}, fmt.Errorf("signal %s has no selected strategy", cs.Signal.ID)
	}
	if cs.Portfolio == nil {
		return StagePatch{}, fmt.Errorf("no portfolio snapshot to size against")
	}

	price := cs.Signal.Price
	if price <= 0 && cs.Indicators != nil {
		price = cs.Indicators.LastClose
	}
	if price <= 0 {
		return StagePatch{}, fmt.Errorf("no reference price for %s", cs.Signal.Symbol)
	}

	idea := cs.Selected.Idea
	assessment := &types.RiskAssessment{
		Approved:   true,
		StopLoss:   idea.StopLossPct,
		TakeProfit: idea.TakeProfitPct,
		Leverage:   o.strat.MaxLeverage,
	}

	equity := cs.Portfolio.AccountValue
	if equity <= 0 {
		assessment.Approved = false
		assessment.Warnings = append(assessment.Warnings, "no account equity to trade with")
	}

	// Risk a fixed fraction of equity per trade: the stop distance converts
	// risk capital into notional, capped by the leverage limit.
	var size float64
	if assessment.Approved && idea.StopLossPct > 0 {
		notional := equity * o.strat.RiskFraction / idea.StopLossPct
		maxNotional := equity * float64(o.strat.MaxLeverage)
		if notional > maxNotional {
			notional = maxNotional
			assessment.Warnings = append(assessment.Warnings, "position capped at the leverage limit")
		}
		size = notional / price
		assessment.RiskScore = 0.5*(notional/maxNotional) + 0.5*(1-cs.Signal.Confidence)
	}
	assessment.SuggestedSize = size
	if size <= 0 && assessment.Approved {
		assessment.Approved = false
		assessment.Warnings = append(assessment.Warnings, "computed size is zero")
	}

	if cs.Signal.Confidence < o.strat.MinConfidence {
		assessment.Approved = false
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("confidence %.2f below the %.2f floor", cs.Signal.Confidence, o.strat.MinConfidence))
	}

	if len(cs.SimilarPatterns) >= patternMinMatches && biasContradicts(cs.PatternBias, cs.Signal.Action) {
		assessment.RiskScore = clamp01(assessment.RiskScore + 0.2)
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("pattern history leans %s against this %s", cs.PatternBias, cs.Signal.Action))
	}

	sized := *cs.Signal
	sized.Size = size

	thought := fmt.Sprintf("approved %.6f %s at %.2f (risk %.2f)", size, cs.Signal.Symbol, price, assessment.RiskScore)
	if !assessment.Approved {
		thought = fmt.Sprintf("vetoed: %v", assessment.Warnings)
	}
	return StagePatch{
		Signal:         &sized,
		RiskAssessment: assessment,
		ShouldExecute:  boolPtr(assessment.Approved),
		Thoughts:       []string{thought},
	}, nil
}

func biasContradicts(bias string, action types.Action) bool {
	return (bias == strategy.BiasBearish && action == types.ActionBuy) ||
		(bias == strategy.BiasBullish && action == types.ActionSell)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stageExecute hands the sized signal to the engine. An ERROR result is a
// venue outcome, not a stage failure: the cycle still completes and the
// result lands in the trace.
func (o *Orchestrator) stageExecute(ctx context.Context, cs *CycleState) (StagePatch, error) {
	result := o.engine.ExecuteSignal(ctx, *cs.Signal, cs.RiskAssessment)
	patch := StagePatch{ExecutionResult: result}

	switch result.Status {
	case types.OrderFilled:
		patch.ShouldLearn = boolPtr(true)
		patch.Thoughts = []string{fmt.Sprintf("filled %.6f @ %.2f", result.FilledSize, result.AvgPrice)}
	case types.OrderResting:
		patch.Thoughts = []string{fmt.Sprintf("order resting (id %d)", result.OrderID)}
	case types.OrderRejected:
		patch.Thoughts = []string{fmt.Sprintf("engine rejected the order: %s", result.Reason)}
	default:
		patch.Thoughts = []string{fmt.Sprintf("execution error: %s", result.Error)}
	}
	return patch, nil
}

// stageLearn appends the cycle's outcome to the pattern memory. Outcome is
// the replay return signed from the long side, so recall can read direction
// straight off the sign.
func (o *Orchestrator) stageLearn(ctx context.Context, cs *CycleState) (StagePatch, error) {
	if o.store == nil {
		return StagePatch{Thoughts: []string{"no trace store, learning skipped"}}, nil
	}
	if cs.Selected == nil || cs.Signal == nil {
		return StagePatch{Thoughts: []string{"nothing selected, learning skipped"}}, nil
	}

	dir := 1.0
	if cs.Selected.Idea.Action == types.ActionSell {
		dir = -1
	}
	in := store.Insight{
		CycleID:    cs.CycleID,
		Symbol:     cs.Symbol,
		PatternKey: cs.PatternKey,
		Kind:       string(cs.Selected.Idea.Kind),
		Action:     string(cs.Selected.Idea.Action),
		Confidence: cs.Signal.Confidence,
		Score:      cs.Selected.Result.Score,
		Outcome:    dir * cs.Selected.Result.TotalReturn,
		Notes:      cs.Signal.Reason,
	}
	if err := o.store.SaveInsight(ctx, in); err != nil {
		return StagePatch{}, fmt.Errorf("save insight: %w", err)
	}
	return StagePatch{Thoughts: []string{fmt.Sprintf("pattern memory updated under %s", cs.PatternKey)}}, nil
}
