package strategy

import (
	"fmt"
	"strings"

	"hyperliquid-trader/pkg/types"
)

// IdeaKind names the rule family an idea came from.
type IdeaKind string

const (
	IdeaTrendFollow IdeaKind = "trend-follow"
	IdeaMeanRevert  IdeaKind = "mean-revert"
	IdeaBreakout    IdeaKind = "breakout"
)

// Idea is one rule-based trade candidate. The backtester replays the rule
// family named by Kind with the idea's stop/target parameters; the selector
// blends Confidence with the replay score.
type Idea struct {
	ID            string       `json:"id"`
	Kind          IdeaKind     `json:"kind"`
	Symbol        string       `json:"symbol"`
	Action        types.Action `json:"action"`
	StopLossPct   float64      `json:"stopLossPct"`
	TakeProfitPct float64      `json:"takeProfitPct"`
	Confidence    float64      `json:"confidence"`
	Reason        string       `json:"reason"`
}

// Rule thresholds. RSI bands use the classic 30/70; breakouts look back 20
// bars and demand volume half again above average.
const (
	rsiOversold      = 30.0
	rsiOverbought    = 70.0
	breakoutLookback = 20
	breakoutVolMult  = 1.5
)

// GenerateIdeas emits every rule-based candidate the current window
// supports: at most one idea per rule family. Deterministic: the same
// window always yields the same ideas.
func GenerateIdeas(symbol string, candles []types.Candle, ind *Indicators, regime types.Regime) []Idea {
	if ind == nil {
		return nil
	}
	var ideas []Idea

	if idea := trendFollowIdea(symbol, ind, regime); idea != nil {
		ideas = append(ideas, *idea)
	}
	if idea := meanRevertIdea(symbol, ind, regime); idea != nil {
		ideas = append(ideas, *idea)
	}
	if idea := breakoutIdea(symbol, candles, ind); idea != nil {
		ideas = append(ideas, *idea)
	}
	return ideas
}

// trendFollowIdea rides an established trend: price above a rising fast
// average in an uptrend regime (mirrored for downtrends). Confidence grows
// with the separation between the averages.
func trendFollowIdea(symbol string, ind *Indicators, regime types.Regime) *Idea {
	var action types.Action
	switch regime {
	case types.RegimeTrendingUp:
		action = types.ActionBuy
	case types.RegimeTrendingDown:
		action = types.ActionSell
	default:
		return nil
	}

	strength := 0.0
	if ind.SMA50 > 0 {
		strength = (ind.SMA20 - ind.SMA50) / ind.SMA50
		if action == types.ActionSell {
			strength = -strength
		}
	}
	conf := clamp(0.60+strength*10, 0.60, 0.90)

	return &Idea{
		ID:            ideaID(IdeaTrendFollow, action, symbol),
		Kind:          IdeaTrendFollow,
		Symbol:        symbol,
		Action:        action,
		StopLossPct:   0.02,
		TakeProfitPct: 0.05,
		Confidence:    conf,
		Reason:        fmt.Sprintf("%s regime, fast/slow separation %.2f%%", regime, strength*100),
	}
}

// meanRevertIdea fades RSI extremes. Suppressed in volatile regimes where
// "oversold" keeps getting more oversold.
func meanRevertIdea(symbol string, ind *Indicators, regime types.Regime) *Idea {
	if regime == types.RegimeVolatile {
		return nil
	}

	var (
		action types.Action
		depth  float64
	)
	switch {
	case ind.RSI14 <= rsiOversold:
		action = types.ActionBuy
		depth = rsiOversold - ind.RSI14
	case ind.RSI14 >= rsiOverbought:
		action = types.ActionSell
		depth = ind.RSI14 - rsiOverbought
	default:
		return nil
	}
	conf := clamp(0.55+depth/100, 0.55, 0.85)

	return &Idea{
		ID:            ideaID(IdeaMeanRevert, action, symbol),
		Kind:          IdeaMeanRevert,
		Symbol:        symbol,
		Action:        action,
		StopLossPct:   0.015,
		TakeProfitPct: 0.03,
		Confidence:    conf,
		Reason:        fmt.Sprintf("RSI %.1f at a reversion extreme", ind.RSI14),
	}
}

// breakoutIdea fires when the last close escapes the prior 20-bar range on
// elevated volume.
func breakoutIdea(symbol string, candles []types.Candle, ind *Indicators) *Idea {
	n := len(candles)
	if n < breakoutLookback+1 {
		return nil
	}
	window := candles[n-breakoutLookback-1 : n-1]
	last := candles[n-1]

	hi, lo, volSum := window[0].High, window[0].Low, 0.0
	for _, c := range window {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
		volSum += c.Volume
	}
	avgVol := volSum / float64(len(window))
	if avgVol > 0 && last.Volume < avgVol*breakoutVolMult {
		return nil
	}

	var (
		action types.Action
		escape float64
	)
	switch {
	case last.Close > hi && hi > 0:
		action = types.ActionBuy
		escape = (last.Close - hi) / hi
	case last.Close < lo && lo > 0:
		action = types.ActionSell
		escape = (lo - last.Close) / lo
	default:
		return nil
	}
	conf := clamp(0.65+escape*20, 0.65, 0.90)

	return &Idea{
		ID:            ideaID(IdeaBreakout, action, symbol),
		Kind:          IdeaBreakout,
		Symbol:        symbol,
		Action:        action,
		StopLossPct:   0.025,
		TakeProfitPct: 0.06,
		Confidence:    conf,
		Reason:        fmt.Sprintf("%.2f%% range escape on %.1fx volume", escape*100, safeDiv(last.Volume, avgVol)),
	}
}

func ideaID(kind IdeaKind, action types.Action, symbol string) string {
	return fmt.Sprintf("%s-%s-%s", kind, strings.ToLower(string(action)), symbol)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
