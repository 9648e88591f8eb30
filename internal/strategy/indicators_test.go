package strategy

import (
	"math"
	"testing"
	"time"

	"hyperliquid-trader/pkg/types"
)

// candleTape builds a window whose closes follow the given path, with highs
// and lows padded by spread and a flat volume.
func candleTape(closes []float64, spread, volume float64) []types.Candle {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		out[i] = types.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + spread,
			Low:       c - spread,
			Close:     c,
			Volume:    volume,
		}
	}
	return out
}

func linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	t.Parallel()

	vals := []float64{1, 2, 3, 4, 5}
	if got := SMA(vals, 5); !almostEqual(got, 3) {
		t.Errorf("SMA period 5 = %v, want 3", got)
	}
	if got := SMA(vals, 3); !almostEqual(got, 4) {
		t.Errorf("SMA period 3 = %v, want 4 (last three values)", got)
	}
	if got := SMA(vals, 6); got != 0 {
		t.Errorf("SMA on short series = %v, want 0", got)
	}
	if got := SMA(vals, 0); got != 0 {
		t.Errorf("SMA zero period = %v, want 0", got)
	}
}

func TestEMA(t *testing.T) {
	t.Parallel()

	// Seed SMA([1,2,3]) = 2, k = 0.5: 4 -> 3, 5 -> 4.
	if got := EMA([]float64{1, 2, 3, 4, 5}, 3); !almostEqual(got, 4) {
		t.Errorf("EMA = %v, want 4", got)
	}
	if got := EMA([]float64{1, 2}, 3); got != 0 {
		t.Errorf("EMA on short series = %v, want 0", got)
	}
}

func TestRSIExtremes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		vals []float64
		want float64
	}{
		{"all gains", linear(20, 100, 1), 100},
		{"all losses", linear(20, 100, -1), 0},
		{"flat", flat(20, 100), 50},
		{"too short", linear(10, 100, 1), 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := RSI(tt.vals, rsiLen); !almostEqual(got, tt.want) {
				t.Errorf("RSI = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRSIMixedStaysInBand(t *testing.T) {
	t.Parallel()

	vals := make([]float64, 60)
	for i := range vals {
		vals[i] = 100 + 3*math.Sin(float64(i)/3)
	}
	got := RSI(vals, rsiLen)
	if got <= 0 || got >= 100 {
		t.Errorf("RSI on oscillating series = %v, want strictly inside (0,100)", got)
	}
}

func TestRSISeriesAlignment(t *testing.T) {
	t.Parallel()

	vals := linear(20, 100, 1)
	series := rsiSeries(vals, rsiLen)
	if len(series) != len(vals)-rsiLen {
		t.Fatalf("series length = %d, want %d", len(series), len(vals)-rsiLen)
	}
	if !almostEqual(series[len(series)-1], RSI(vals, rsiLen)) {
		t.Errorf("last series value %v != RSI %v", series[len(series)-1], RSI(vals, rsiLen))
	}
}

func TestATRConstantRange(t *testing.T) {
	t.Parallel()

	// Flat closes with a fixed 2-point bar range: every true range is 2.
	candles := candleTape(flat(30, 100), 1, 10)
	if got := ATR(candles, atrLen); !almostEqual(got, 2) {
		t.Errorf("ATR = %v, want 2", got)
	}
	if got := ATR(candles[:10], atrLen); got != 0 {
		t.Errorf("ATR on short window = %v, want 0", got)
	}
}

func TestComputeIndicatorsShortWindow(t *testing.T) {
	t.Parallel()

	if ind := ComputeIndicators(candleTape(flat(MinCandles-1, 100), 1, 10)); ind != nil {
		t.Errorf("expected nil indicators on %d candles, got %+v", MinCandles-1, ind)
	}
}

func TestComputeIndicatorsUptrend(t *testing.T) {
	t.Parallel()

	candles := candleTape(linear(60, 100, 1), 1, 10)
	ind := ComputeIndicators(candles)
	if ind == nil {
		t.Fatal("expected indicators, got nil")
	}
	if !almostEqual(ind.LastClose, 159) {
		t.Errorf("LastClose = %v, want 159", ind.LastClose)
	}
	if !almostEqual(ind.SMA20, 149.5) {
		t.Errorf("SMA20 = %v, want 149.5", ind.SMA20)
	}
	if !almostEqual(ind.SMA50, 134.5) {
		t.Errorf("SMA50 = %v, want 134.5", ind.SMA50)
	}
	if ind.MACD <= 0 {
		t.Errorf("MACD = %v, want > 0 in a steady uptrend", ind.MACD)
	}
	if !almostEqual(ind.RSI14, 100) {
		t.Errorf("RSI14 = %v, want 100 on monotone gains", ind.RSI14)
	}
	if ind.ATRRatio <= 0 {
		t.Errorf("ATRRatio = %v, want > 0", ind.ATRRatio)
	}
}

func TestClassifyRegime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ind  *Indicators
		want types.Regime
	}{
		{"nil indicators", nil, types.RegimeUnknown},
		{"no slow average", &Indicators{SMA20: 100}, types.RegimeUnknown},
		{
			"volatile overrides trend",
			&Indicators{LastClose: 110, SMA20: 105, SMA50: 100, MACD: 1, ATRRatio: 0.05},
			types.RegimeVolatile,
		},
		{
			"trending up",
			&Indicators{LastClose: 110, SMA20: 105, SMA50: 100, MACD: 1, ATRRatio: 0.01},
			types.RegimeTrendingUp,
		},
		{
			"trending down",
			&Indicators{LastClose: 90, SMA20: 95, SMA50: 100, MACD: -1, ATRRatio: 0.01},
			types.RegimeTrendingDown,
		},
		{
			"aligned averages but negative momentum",
			&Indicators{LastClose: 110, SMA20: 105, SMA50: 100, MACD: -0.5, ATRRatio: 0.01},
			types.RegimeRanging,
		},
		{
			"close below fast average",
			&Indicators{LastClose: 104, SMA20: 105, SMA50: 100, MACD: 1, ATRRatio: 0.01},
			types.RegimeRanging,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyRegime(tt.ind, 0.03); got != tt.want {
				t.Errorf("ClassifyRegime = %v, want %v", got, tt.want)
			}
		})
	}
}
