package strategy

import (
	"fmt"

	"hyperliquid-trader/pkg/types"
)

// Fingerprint buckets an indicator snapshot into a coarse market-state key.
// Cycles that land in the same bucket are "similar" for pattern recall; the
// buckets are deliberately wide so a modest trace history still produces
// matches.
type Fingerprint struct {
	Regime    types.Regime `json:"regime"`
	RSIBand   int          `json:"rsiBand"`   // 0 oversold, 1 weak, 2 strong, 3 overbought
	TrendBias int          `json:"trendBias"` // -1 down, 0 flat, +1 up (SMA20 vs SMA50)
	VolBand   int          `json:"volBand"`   // 0 quiet, 1 normal, 2 wild (ATR ratio)
}

const (
	trendFlatBand = 0.001 // SMA separation below 0.1% counts as flat
	volQuietMax   = 0.01
	volNormalMax  = 0.03
)

// NewFingerprint buckets the snapshot. A nil snapshot yields the zero
// fingerprint under RegimeUnknown, which still produces a stable key.
func NewFingerprint(ind *Indicators, regime types.Regime) Fingerprint {
	fp := Fingerprint{Regime: regime}
	if fp.Regime == "" {
		fp.Regime = types.RegimeUnknown
	}
	if ind == nil {
		return fp
	}

	switch {
	case ind.RSI14 < rsiOversold:
		fp.RSIBand = 0
	case ind.RSI14 < 50:
		fp.RSIBand = 1
	case ind.RSI14 < rsiOverbought:
		fp.RSIBand = 2
	default:
		fp.RSIBand = 3
	}

	if ind.SMA50 > 0 {
		sep := (ind.SMA20 - ind.SMA50) / ind.SMA50
		switch {
		case sep > trendFlatBand:
			fp.TrendBias = 1
		case sep < -trendFlatBand:
			fp.TrendBias = -1
		}
	}

	switch {
	case ind.ATRRatio < volQuietMax:
		fp.VolBand = 0
	case ind.ATRRatio < volNormalMax:
		fp.VolBand = 1
	default:
		fp.VolBand = 2
	}
	return fp
}

// Key is the fingerprint's stable string form, used as the trace-store
// lookup column.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s|r%d|t%d|v%d", f.Regime, f.RSIBand, f.TrendBias, f.VolBand)
}

// Pattern bias labels.
const (
	BiasBullish = "BULLISH"
	BiasBearish = "BEARISH"
	BiasNeutral = "NEUTRAL"
)

// biasBand is the minimum absolute average return before history counts as
// directional rather than noise.
const biasBand = 0.002

// PatternStats summarizes the outcomes of past cycles that shared a
// fingerprint. AvgReturn is signed from the long side: short outcomes are
// recorded direction-adjusted by the caller before they get here.
type PatternStats struct {
	Matches   int     `json:"matches"`
	AvgReturn float64 `json:"avgReturn"`
	Bias      string  `json:"bias"`
}

// SummarizeOutcomes folds per-cycle signed returns into recall stats.
func SummarizeOutcomes(returns []float64) PatternStats {
	st := PatternStats{Matches: len(returns), Bias: BiasNeutral}
	if len(returns) == 0 {
		return st
	}
	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	st.AvgReturn = sum / float64(len(returns))
	switch {
	case st.AvgReturn > biasBand:
		st.Bias = BiasBullish
	case st.AvgReturn < -biasBand:
		st.Bias = BiasBearish
	}
	return st
}
