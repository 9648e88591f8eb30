package recovery

import (
	"fmt"
	"time"

	"hyperliquid-trader/pkg/types"
)

// Reason classifies why a held position needs attention.
type Reason string

const (
	ReasonExcessiveLoss     Reason = "EXCESSIVE_LOSS"
	ReasonOrphaned          Reason = "ORPHANED"
	ReasonExcessiveLeverage Reason = "EXCESSIVE_LEVERAGE"
	ReasonStuck             Reason = "STUCK"
	ReasonStale             Reason = "STALE"
)

// Action is what the monitor does about an issue.
type Action string

const (
	ActionClose  Action = "CLOSE"
	ActionReduce Action = "REDUCE"
	ActionWait   Action = "WAIT"
)

// Priority orders issues for operators. Classification picks the most
// severe applicable reason, so a position carries at most one issue.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Issue is one detected problem with a held position.
type Issue struct {
	Symbol     string             `json:"symbol"`
	Side       types.PositionSide `json:"side"`
	Size       float64            `json:"size"`
	Reason     Reason             `json:"reason"`
	Action     Action             `json:"action"`
	Priority   Priority           `json:"priority"`
	Detail     string             `json:"detail"`
	DetectedAt time.Time          `json:"detectedAt"`
}

// classify inspects one position against the scan snapshot and returns its
// most severe issue, or nil when the position looks healthy. Severity order:
// EXCESSIVE_LOSS > ORPHANED > EXCESSIVE_LEVERAGE > STUCK > STALE.
func (m *Monitor) classify(pos types.Position, data *scanData) *Issue {
	issue := func(reason Reason, action Action, prio Priority, detail string) *Issue {
		return &Issue{
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Size:       pos.Size,
			Reason:     reason,
			Action:     action,
			Priority:   prio,
			Detail:     detail,
			DetectedAt: time.Now(),
		}
	}

	if notional := pos.Notional(); notional > 0 {
		lossFrac := pos.UnrealizedPnL / notional
		if lossFrac < m.cfg.LossThreshold {
			return issue(ReasonExcessiveLoss, ActionClose, PriorityCritical,
				fmt.Sprintf("unrealized PnL %.1f%% of notional (threshold %.0f%%)",
					lossFrac*100, m.cfg.LossThreshold*100))
		}
	}

	if !data.activeSymbols[pos.Symbol] {
		return issue(ReasonOrphaned, ActionClose, PriorityHigh,
			"no active strategy references this symbol")
	}

	if m.cfg.MaxLeverage > 0 && pos.Leverage > m.cfg.MaxLeverage {
		return issue(ReasonExcessiveLeverage, ActionReduce, PriorityHigh,
			fmt.Sprintf("leverage %.0fx exceeds %.0fx", pos.Leverage, m.cfg.MaxLeverage))
	}

	trades := data.tradesBySymbol[pos.Symbol]
	if stuck, lo, hi := m.stuckPrices(trades); stuck {
		// A long can be worked off in halves; a stagnant short keeps
		// paying funding, so close it outright.
		action := ActionReduce
		if pos.Side == types.SHORT {
			action = ActionClose
		}
		return issue(ReasonStuck, action, PriorityMedium,
			fmt.Sprintf("last %d trade prices inside %.2f%% (%.4f..%.4f)",
				m.cfg.StuckMinTrades, m.cfg.StuckPriceRange*100, lo, hi))
	}

	if len(trades) > 0 {
		oldest := trades[len(trades)-1].Timestamp // trades arrive newest first
		if age := time.Since(oldest); age > m.cfg.StaleTradeAge {
			return issue(ReasonStale, ActionWait, PriorityLow,
				fmt.Sprintf("held for %s", age.Round(time.Hour)))
		}
	}

	return nil
}

// stuckPrices reports whether the newest StuckMinTrades trade prices sit
// inside the configured relative range.
func (m *Monitor) stuckPrices(trades []types.Trade) (bool, float64, float64) {
	if m.cfg.StuckMinTrades <= 0 || len(trades) < m.cfg.StuckMinTrades {
		return false, 0, 0
	}
	lo, hi := trades[0].Price, trades[0].Price
	for _, t := range trades[:m.cfg.StuckMinTrades] {
		if t.Price < lo {
			lo = t.Price
		}
		if t.Price > hi {
			hi = t.Price
		}
	}
	if lo <= 0 {
		return false, 0, 0
	}
	return (hi-lo)/lo < m.cfg.StuckPriceRange, lo, hi
}
