// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform — signals, risk
// assessments, trades, positions, order results, and the cycle/regime enums
// that flow between the orchestrator, execution engine, and exchange client.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Action is what a signal asks the engine to do. HOLD signals are accepted
// by the pipeline but rejected at the execution boundary.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side maps a non-HOLD action onto an order side.
func (a Action) Side() Side {
	if a == ActionSell {
		return SELL
	}
	return BUY
}

// PositionSide is the direction of an open perpetual position.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// OrderType selects the execution style for an order. Market-like orders are
// submitted as aggressive IOC limits with a slippage buffer; limit orders
// rest at the caller's price.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce is the venue-native order lifetime flag.
type TimeInForce string

const (
	TifIoc TimeInForce = "Ioc" // immediate-or-cancel, used for market-like orders
	TifGtc TimeInForce = "Gtc" // good-til-cancelled, used for resting limits
)

// Environment distinguishes the venue deployment the client points at.
type Environment string

const (
	EnvTestnet Environment = "TESTNET"
	EnvLive    Environment = "LIVE"
)

// HealthStatus is the aggregate health verdict exposed by the breaker
// registry, the orchestrator, and the /api/health endpoint.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthCritical HealthStatus = "CRITICAL"
)

// ————————————————————————————————————————————————————————————————————————
// Cycle enums
// ————————————————————————————————————————————————————————————————————————

// CycleStep is the orchestrator pipeline position. Steps advance
// monotonically; ERROR and SKIPPED_CIRCUIT_BREAKER are terminal.
type CycleStep string

const (
	StepInit             CycleStep = "INIT"
	StepMarketData       CycleStep = "MARKET_DATA"
	StepPatternRecall    CycleStep = "PATTERN_RECALL"
	StepStrategyIdeation CycleStep = "STRATEGY_IDEATION"
	StepBacktester       CycleStep = "BACKTESTER"
	StepStrategySelector CycleStep = "STRATEGY_SELECTOR"
	StepRiskGate         CycleStep = "RISK_GATE"
	StepExecution        CycleStep = "EXECUTION"
	StepLearning         CycleStep = "LEARNING"
	StepDone             CycleStep = "DONE"
	StepError            CycleStep = "ERROR"
	StepSkippedBreaker   CycleStep = "SKIPPED_CIRCUIT_BREAKER"
)

// Regime classifies recent market behavior for a symbol/timeframe.
type Regime string

const (
	RegimeTrendingUp   Regime = "TRENDING_UP"
	RegimeTrendingDown Regime = "TRENDING_DOWN"
	RegimeRanging      Regime = "RANGING"
	RegimeVolatile     Regime = "VOLATILE"
	RegimeUnknown      Regime = "UNKNOWN"
)

// ————————————————————————————————————————————————————————————————————————
// Signals and risk
// ————————————————————————————————————————————————————————————————————————

// Strategy IDs reserved for synthesized exit signals. The engine treats
// signals carrying them as exit intent regardless of risk fields.
const (
	StrategyRiskManagedExit  = "risk-managed-exit"
	StrategyPositionRecovery = "position-recovery"
)

// Signal is the strategy layer's request to trade. Produced by the
// orchestrator's risk gate (or synthesized by the managed-exit monitor and
// the recovery monitor) and consumed by the execution engine.
type Signal struct {
	ID         string    `json:"id"`
	StrategyID string    `json:"strategyId"` // "risk-managed-exit" and "position-recovery" mark exit intent
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Size       float64   `json:"size"`       // base-asset quantity, >= 0
	Price      float64   `json:"price"`      // reference price; 0 lets the client pull top of book
	Type       OrderType `json:"type"`
	Confidence float64   `json:"confidence"` // [0,1]
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// RiskAssessment is the risk gate's verdict on a signal. StopLoss and
// TakeProfit are fractional distances from entry (0.02 = 2%). An exit intent
// is encoded by StopLoss == 0 && TakeProfit == 0, or by a warning containing
// "exit".
type RiskAssessment struct {
	Approved      bool     `json:"approved"`
	SuggestedSize float64  `json:"suggestedSize"`
	RiskScore     float64  `json:"riskScore"` // [0,1], higher = riskier
	Warnings      []string `json:"warnings"`
	StopLoss      float64  `json:"stopLoss"`
	TakeProfit    float64  `json:"takeProfit"`
	Leverage      int      `json:"leverage"`
}

// ExitIntent reports whether the assessment encodes a position exit rather
// than a fresh entry.
func (r *RiskAssessment) ExitIntent() bool {
	if r == nil {
		return false
	}
	if r.StopLoss == 0 && r.TakeProfit == 0 {
		return true
	}
	for _, w := range r.Warnings {
		if containsFold(w, "exit") {
			return true
		}
	}
	return false
}

// containsFold is a tiny case-insensitive substring check so the hot path
// avoids strings.ToLower allocations on every warning scan.
func containsFold(s, sub string) bool {
	n := len(sub)
	if n == 0 {
		return true
	}
	for i := 0; i+n <= len(s); i++ {
		j := 0
		for ; j < n; j++ {
			c, d := s[i+j], sub[j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if 'A' <= d && d <= 'Z' {
				d += 'a' - 'A'
			}
			if c != d {
				break
			}
		}
		if j == n {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Trades and positions
// ————————————————————————————————————————————————————————————————————————

// TradeStatus is the terminal state of an executed trade.
type TradeStatus string

const (
	TradeFilled    TradeStatus = "FILLED"
	TradePartial   TradeStatus = "PARTIAL"
	TradeCancelled TradeStatus = "CANCELLED"
)

// EntryExit marks whether a trade opened or reduced a position.
type EntryExit string

const (
	Entry EntryExit = "ENTRY"
	Exit  EntryExit = "EXIT"
)

// Trade is the persistent record of one executed order.
type Trade struct {
	ID         string      `json:"id"`
	StrategyID string      `json:"strategyId"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Size       float64     `json:"size"`
	Price      float64     `json:"price"`
	Fee        float64     `json:"fee"`
	PnL        float64     `json:"pnl"`
	Timestamp  time.Time   `json:"timestamp"`
	Type       OrderType   `json:"type"`
	Status     TradeStatus `json:"status"`
	EntryExit  EntryExit   `json:"entryExit"`
}

// Position is an open perpetual position as reported by the venue.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"` // absolute base quantity, > 0
	EntryPrice    float64      `json:"entryPrice"`
	MarkPrice     float64      `json:"markPrice"`
	UnrealizedPnL float64      `json:"unrealizedPnl"`
	Leverage      float64      `json:"leverage"`
	MarginUsed    float64      `json:"marginUsed"`
}

// Notional returns size × entry price, the denominator for loss-percentage
// checks.
func (p Position) Notional() float64 {
	return p.Size * p.EntryPrice
}

// Portfolio is the account snapshot consumed by the engine, the recovery
// monitor, and the dashboard.
type Portfolio struct {
	AccountValue    float64    `json:"accountValue"` // total equity in USD
	Withdrawable    float64    `json:"withdrawable"`
	TotalMarginUsed float64    `json:"totalMarginUsed"`
	TotalNotional   float64    `json:"totalNotional"`
	Positions       []Position `json:"positions"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// FindPosition returns the open position for symbol, or nil.
func (p *Portfolio) FindPosition(symbol string) *Position {
	if p == nil {
		return nil
	}
	for i := range p.Positions {
		if p.Positions[i].Symbol == symbol {
			return &p.Positions[i]
		}
	}
	return nil
}

// ManagedExitPlan is an internal stop-loss/take-profit plan watched by the
// execution engine's exit monitor. It is not a venue-native conditional
// order: created on a filled entry, destroyed on a filled exit, abandoned if
// the underlying position vanishes.
type ManagedExitPlan struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	EntryPrice    float64      `json:"entryPrice"`
	StopLossPct   float64      `json:"stopLossPct"`   // fractional, 0.02 = 2%
	TakeProfitPct float64      `json:"takeProfitPct"` // fractional, 0.05 = 5%
	CreatedAt     time.Time    `json:"createdAt"`
}

// PendingOrder is a resting order the exchange client is tracking for the
// stale-order watchdog.
type PendingOrder struct {
	OrderID     int64     `json:"orderId"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// OpenOrder is a resting order as reported by the venue.
type OpenOrder struct {
	OrderID   int64     `json:"orderId"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Order requests and results
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the exchange client's placement input. Price 0 on a
// market-like order lets the client pull the top of book; ReduceOnly orders
// bypass the churn and book-quality guards and get the exit retry budget.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	Price         float64   `json:"price,omitempty"`
	Type          OrderType `json:"type"`
	ReduceOnly    bool      `json:"reduceOnly,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	ClientOrderID string    `json:"clientOrderId,omitempty"` // idempotency key; generated when empty
}

// OrderStatus is the outcome class of a placement attempt.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "FILLED"   // venue filled immediately
	OrderResting  OrderStatus = "RESTING"  // venue accepted, order on book
	OrderRejected OrderStatus = "REJECTED" // blocked locally before submission
	OrderError    OrderStatus = "ERROR"    // venue or transport failure
)

// RejectReason is the closed enumeration of local pre-submission rejections.
// String statuses from the venue never map into these; they become
// OrderError with Error text instead.
type RejectReason string

const (
	RejectNone          RejectReason = ""
	RejectHold          RejectReason = "HOLD_SIGNAL"
	RejectConfidence    RejectReason = "LOW_CONFIDENCE"
	RejectDuplicate     RejectReason = "DUPLICATE_SIGNAL"
	RejectRateLimit     RejectReason = "RATE_LIMITED"
	RejectCooldown      RejectReason = "COOLDOWN"
	RejectChurn         RejectReason = "CHURN_PREVENTION"
	RejectDepth         RejectReason = "INSUFFICIENT_DEPTH"
	RejectSpread        RejectReason = "SPREAD_TOO_WIDE"
	RejectSafetyHalt    RejectReason = "SAFETY_HALT"
	RejectNoPosition    RejectReason = "NO_POSITION"
	RejectInvalidSize   RejectReason = "INVALID_SIZE"
	RejectInvalidSymbol RejectReason = "INVALID_SYMBOL"
	RejectOverfill      RejectReason = "OVERFILL"
)

// OrderResult is what PlaceOrder and ExecuteSignal return instead of raising;
// callers switch on Status and never see raw transport errors.
type OrderResult struct {
	Status     OrderStatus  `json:"status"`
	OrderID    int64        `json:"orderId,omitempty"`
	Symbol     string       `json:"symbol"`
	Side       Side         `json:"side"`
	FilledSize float64      `json:"filledSize,omitempty"`
	AvgPrice   float64      `json:"avgPrice,omitempty"`
	Reason     RejectReason `json:"reason,omitempty"` // set when Status == REJECTED
	Error      string       `json:"error,omitempty"`  // set when Status == ERROR
	Timestamp  time.Time    `json:"timestamp"`
}

// Rejected builds a rejection result.
func Rejected(symbol string, side Side, reason RejectReason) *OrderResult {
	return &OrderResult{
		Status:    OrderRejected,
		Symbol:    symbol,
		Side:      side,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// Errored builds a failure result with a human-readable cause.
func Errored(symbol string, side Side, msg string) *OrderResult {
	return &OrderResult{
		Status:    OrderError,
		Symbol:    symbol,
		Side:      side,
		Error:     msg,
		Timestamp: time.Now(),
	}
}

// OrderStats is the per-symbol fill-rate ledger feeding the churn guards.
type OrderStats struct {
	Submitted           int       `json:"submitted"`
	Filled              int       `json:"filled"`
	Failed              int       `json:"failed"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastOrderAt         time.Time `json:"lastOrderAt"`
}

// FillRate returns filled/submitted, or 1.0 before any submission so the
// warm-up window never trips the churn gate.
func (s OrderStats) FillRate() float64 {
	if s.Submitted == 0 {
		return 1.0
	}
	return float64(s.Filled) / float64(s.Submitted)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// L2Level is a single bid or ask level in the venue order book, parsed from
// the wire's decimal strings.
type L2Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// L2Book is a point-in-time order book snapshot for one symbol.
type L2Book struct {
	Symbol    string    `json:"symbol"`
	Bids      []L2Level `json:"bids"` // sorted descending by price (best bid first)
	Asks      []L2Level `json:"asks"` // sorted ascending by price (best ask first)
	Timestamp time.Time `json:"timestamp"`
}

// BestBid returns the top bid, or zero if the side is empty.
func (b *L2Book) BestBid() float64 {
	if b == nil || len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask, or zero if the side is empty.
func (b *L2Book) BestAsk() float64 {
	if b == nil || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// SpreadRatio returns (ask-bid)/mid, or 1 when either side is empty so an
// unusable book always fails a max-spread check.
func (b *L2Book) SpreadRatio() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 1
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid
}
