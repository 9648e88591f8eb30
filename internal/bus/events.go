package bus

import (
	"time"

	"hyperliquid-trader/pkg/types"
)

// Typed payloads for the platform channels. Subscribers decode the variant
// they expect with Message.Decode and treat a failed decode as an unknown
// shape to be dropped, not an error to propagate.

// CycleEvent rides CYCLE_START, CYCLE_COMPLETE, and CYCLE_ERROR.
type CycleEvent struct {
	CycleID    string          `json:"cycleId"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Step       types.CycleStep `json:"step"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ExecutionEvent rides EXECUTION_FILLED and EXECUTION_FAILED.
type ExecutionEvent struct {
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Size       float64    `json:"size"`
	Price      float64    `json:"price,omitempty"`
	OrderID    int64      `json:"orderId,omitempty"`
	StrategyID string     `json:"strategyId,omitempty"`
	ReduceOnly bool       `json:"reduceOnly,omitempty"`
	Reason     string     `json:"reason,omitempty"` // rejection/failure cause, e.g. OVERFILL
	Timestamp  time.Time  `json:"timestamp"`
}

// PositionEvent rides POSITION_OPENED and POSITION_CLOSED.
type PositionEvent struct {
	Symbol     string             `json:"symbol"`
	Side       types.PositionSide `json:"side"`
	Size       float64            `json:"size"`
	EntryPrice float64            `json:"entryPrice,omitempty"`
	ExitPrice  float64            `json:"exitPrice,omitempty"`
	PnL        float64            `json:"pnl,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// BreakerEvent rides CIRCUIT_BREAKER_OPEN and CIRCUIT_BREAKER_CLOSED.
type BreakerEvent struct {
	Name      string    `json:"name"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent rides the ERROR channel; Type distinguishes operator-facing
// classes such as EMERGENCY_STOP and OVERFILL.
type ErrorEvent struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
