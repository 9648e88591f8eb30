package strategy

import (
	"hyperliquid-trader/pkg/types"
)

// Backtester replays rule-based ideas over a candle window, charging taker
// fees and slippage on both legs of every simulated trade.
type Backtester struct {
	FeeRate      float64 // per side
	SlippageRate float64 // per side
	Warmup       int     // bars before the replay may trade; min MinCandles
}

// BacktestResult is the replay evidence for one idea.
type BacktestResult struct {
	IdeaID      string   `json:"ideaId"`
	Kind        IdeaKind `json:"kind"`
	Trades      int      `json:"trades"`
	Wins        int      `json:"wins"`
	WinRate     float64  `json:"winRate"`
	TotalReturn float64  `json:"totalReturn"` // compounded fractional return
	MaxDrawdown float64  `json:"maxDrawdown"` // peak-to-trough on the equity curve
	Score       float64  `json:"score"`       // [0,1], selector input
}

// replaySeries holds the per-bar values trigger evaluation needs, computed
// once per Run.
type replaySeries struct {
	candles []types.Candle
	sma20   []float64 // aligned to candles; 0 while undefined
	sma50   []float64
	rsi14   []float64 // 50 while undefined
}

func buildReplaySeries(candles []types.Candle) *replaySeries {
	n := len(candles)
	closes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
	}

	s := &replaySeries{
		candles: candles,
		sma20:   rollingMean(closes, smaFast),
		sma50:   rollingMean(closes, smaSlow),
		rsi14:   make([]float64, n),
	}
	for i := range s.rsi14 {
		s.rsi14[i] = 50
	}
	for i, v := range rsiSeries(closes, rsiLen) {
		s.rsi14[i+rsiLen] = v
	}
	return s
}

// rollingMean computes the simple moving average at every bar; bars before
// the window fills hold 0.
func rollingMean(vals []float64, period int) []float64 {
	out := make([]float64, len(vals))
	if period <= 0 || len(vals) < period {
		return out
	}
	sum := 0.0
	for i, v := range vals {
		sum += v
		if i >= period {
			sum -= vals[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// triggersAt reports whether the idea's rule family fires at bar i, using
// only data up to and including i.
func (s *replaySeries) triggersAt(idea Idea, i int) bool {
	c := s.candles[i]
	switch idea.Kind {
	case IdeaTrendFollow:
		if s.sma20[i] == 0 || s.sma50[i] == 0 {
			return false
		}
		if idea.Action == types.ActionBuy {
			return s.sma20[i] > s.sma50[i] && c.Close > s.sma20[i]
		}
		return s.sma20[i] < s.sma50[i] && c.Close < s.sma20[i]

	case IdeaMeanRevert:
		if idea.Action == types.ActionBuy {
			return s.rsi14[i] <= rsiOversold
		}
		return s.rsi14[i] >= rsiOverbought

	case IdeaBreakout:
		if i < breakoutLookback {
			return false
		}
		hi, lo, volSum := s.candles[i-breakoutLookback].High, s.candles[i-breakoutLookback].Low, 0.0
		for _, w := range s.candles[i-breakoutLookback : i] {
			if w.High > hi {
				hi = w.High
			}
			if w.Low < lo {
				lo = w.Low
			}
			volSum += w.Volume
		}
		avgVol := volSum / float64(breakoutLookback)
		if avgVol > 0 && c.Volume < avgVol*breakoutVolMult {
			return false
		}
		if idea.Action == types.ActionBuy {
			return c.Close > hi
		}
		return c.Close < lo
	}
	return false
}

// Run replays one idea over the window. Entries fill at the trigger bar's
// close plus slippage; exits fill at the stop/target level (stop checked
// first within a bar, the conservative order) or at the final close.
func (b *Backtester) Run(idea Idea, candles []types.Candle) BacktestResult {
	res := BacktestResult{IdeaID: idea.ID, Kind: idea.Kind}

	warmup := b.Warmup
	if warmup < MinCandles {
		warmup = MinCandles
	}
	if len(candles) <= warmup {
		return res
	}

	s := buildReplaySeries(candles)
	dir := 1.0
	if idea.Action == types.ActionSell {
		dir = -1
	}

	equity, peak := 1.0, 1.0
	var entry float64 // 0 when flat

	settle := func(exit float64) {
		r := dir*(exit/entry-1) - 2*b.FeeRate
		res.Trades++
		if r > 0 {
			res.Wins++
		}
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > res.MaxDrawdown {
			res.MaxDrawdown = dd
		}
		entry = 0
	}

	for i := warmup; i < len(candles); i++ {
		c := candles[i]

		if entry > 0 {
			stop := entry * (1 - dir*idea.StopLossPct)
			target := entry * (1 + dir*idea.TakeProfitPct)
			if dir > 0 {
				switch {
				case c.Low <= stop:
					settle(stop * (1 - b.SlippageRate))
				case c.High >= target:
					settle(target * (1 - b.SlippageRate))
				}
			} else {
				switch {
				case c.High >= stop:
					settle(stop * (1 + b.SlippageRate))
				case c.Low <= target:
					settle(target * (1 + b.SlippageRate))
				}
			}
		}

		if entry == 0 && i < len(candles)-1 && s.triggersAt(idea, i) {
			entry = c.Close * (1 + dir*b.SlippageRate)
		}
	}

	if entry > 0 {
		lastClose := candles[len(candles)-1].Close
		settle(lastClose * (1 - dir*b.SlippageRate))
	}

	if res.Trades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.Trades)
	}
	res.TotalReturn = equity - 1
	res.Score = score(res)
	return res
}

// RunAll replays every idea and returns results in the same order.
func (b *Backtester) RunAll(ideas []Idea, candles []types.Candle) []BacktestResult {
	out := make([]BacktestResult, 0, len(ideas))
	for _, idea := range ideas {
		out = append(out, b.Run(idea, candles))
	}
	return out
}

// score blends compounded return and win rate into [0,1]. The return leg
// saturates at ±10%: 0.5 is flat, 1.0 is +10% or better over the window. An
// idea that never traded scores 0 — no evidence is not good evidence.
func score(r BacktestResult) float64 {
	if r.Trades == 0 {
		return 0
	}
	retComponent := clamp(0.5+r.TotalReturn*5, 0, 1)
	return 0.6*retComponent + 0.4*r.WinRate
}
