// Package strategy is the deterministic idea pipeline behind the trading
// cycle: indicator computation and regime classification, rule-based idea
// generation, fee-aware backtest replay, winner selection, and the pattern
// fingerprints used to recall similar past cycles. Everything here is pure
// computation over candle windows; no I/O, no randomness.
package strategy

import (
	"math"

	"hyperliquid-trader/pkg/types"
)

// Indicator periods. Fixed rather than configured: the idea rules and the
// pattern fingerprints are calibrated to these windows.
const (
	smaFast = 20
	smaSlow = 50
	emaFast = 12
	emaSlow = 26
	rsiLen  = 14
	atrLen  = 14
)

// MinCandles is the smallest window the indicator set is defined on.
const MinCandles = smaSlow

// Indicators is the compact indicator snapshot attached to a trading cycle.
type Indicators struct {
	SMA20     float64 `json:"sma20"`
	SMA50     float64 `json:"sma50"`
	EMA12     float64 `json:"ema12"`
	EMA26     float64 `json:"ema26"`
	MACD      float64 `json:"macd"` // EMA12 − EMA26
	RSI14     float64 `json:"rsi14"`
	ATR14     float64 `json:"atr14"`
	ATRRatio  float64 `json:"atrRatio"` // ATR normalized by the last close
	LastClose float64 `json:"lastClose"`
}

// ComputeIndicators builds the snapshot from an ordered candle window.
// Returns nil when the window is shorter than MinCandles.
func ComputeIndicators(candles []types.Candle) *Indicators {
	if len(candles) < MinCandles {
		return nil
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	last := closes[len(closes)-1]
	ind := &Indicators{
		SMA20:     SMA(closes, smaFast),
		SMA50:     SMA(closes, smaSlow),
		EMA12:     EMA(closes, emaFast),
		EMA26:     EMA(closes, emaSlow),
		RSI14:     RSI(closes, rsiLen),
		ATR14:     ATR(candles, atrLen),
		LastClose: last,
	}
	ind.MACD = ind.EMA12 - ind.EMA26
	if last > 0 {
		ind.ATRRatio = ind.ATR14 / last
	}
	return ind
}

// SMA is the arithmetic mean of the last period values. Returns 0 when the
// series is too short.
func SMA(vals []float64, period int) float64 {
	if period <= 0 || len(vals) < period {
		return 0
	}
	sum := 0.0
	for _, v := range vals[len(vals)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA seeds with the SMA of the first period values and smooths the rest
// with k = 2/(period+1).
func EMA(vals []float64, period int) float64 {
	if period <= 0 || len(vals) < period {
		return 0
	}
	ema := SMA(vals[:period], period)
	k := 2.0 / float64(period+1)
	for _, v := range vals[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// RSI is Wilder's relative strength index over the last value of the
// series. 100 on an all-gain window, 0 on an all-loss window, 50 when the
// series never moves.
func RSI(vals []float64, period int) float64 {
	series := rsiSeries(vals, period)
	if len(series) == 0 {
		return 50
	}
	return series[len(series)-1]
}

// rsiSeries computes Wilder RSI for every bar from index period onward.
// series[i] is the RSI at vals[i+period]. Empty when the input is too short.
func rsiSeries(vals []float64, period int) []float64 {
	if period <= 0 || len(vals) <= period {
		return nil
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := vals[i] - vals[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	out := make([]float64, 0, len(vals)-period)
	out = append(out, rsiValue(avgGain, avgLoss))
	for i := period + 1; i < len(vals); i++ {
		d := vals[i] - vals[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// ATR is Wilder's average true range over the candle window.
func ATR(candles []types.Candle, period int) float64 {
	if period <= 0 || len(candles) <= period {
		return 0
	}
	tr := func(cur, prev types.Candle) float64 {
		hl := cur.High - cur.Low
		hc := math.Abs(cur.High - prev.Close)
		lc := math.Abs(cur.Low - prev.Close)
		return math.Max(hl, math.Max(hc, lc))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr(candles[i], candles[i-1])
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + tr(candles[i], candles[i-1])) / float64(period)
	}
	return atr
}

// ClassifyRegime buckets the market shape. volatileATR is the ATR/close
// ratio at which chop dominates structure; above it the regime is VOLATILE
// regardless of trend alignment.
func ClassifyRegime(ind *Indicators, volatileATR float64) types.Regime {
	if ind == nil || ind.SMA50 == 0 {
		return types.RegimeUnknown
	}
	if volatileATR > 0 && ind.ATRRatio >= volatileATR {
		return types.RegimeVolatile
	}
	if ind.LastClose > ind.SMA20 && ind.SMA20 > ind.SMA50 && ind.MACD > 0 {
		return types.RegimeTrendingUp
	}
	if ind.LastClose < ind.SMA20 && ind.SMA20 < ind.SMA50 && ind.MACD < 0 {
		return types.RegimeTrendingDown
	}
	return types.RegimeRanging
}
