// Package risk tracks realized trading losses and converts them into the
// position-size multiplier the execution engine applies to every entry.
//
// Two independent limits feed the multiplier:
//
//   - Daily loss budget: realized PnL for the current UTC day measured
//     against MaxDailyLoss.
//   - Loss streak: consecutive losing exits measured against
//     MaxConsecutiveLosses.
//
// The multiplier steps 1.0 → 0.5 → 0.25 → 0 as either limit is approached;
// 0 halts entries entirely until the day rolls over or a winning trade
// breaks the streak. Reduce-only exits are never blocked by this monitor —
// closing positions is always allowed.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"hyperliquid-trader/internal/config"
)

// Monitor aggregates realized PnL into safety counters. The engine reports
// every realized exit PnL through RecordTrade and reads the multiplier
// before sizing entries.
type Monitor struct {
	cfg    config.ExecutionConfig
	logger *slog.Logger

	mu                sync.Mutex
	day               time.Time // UTC day the daily counters cover
	dailyPnL          float64
	consecutiveLosses int
	wins              int
	losses            int
	lastTradeAt       time.Time
}

// Snapshot is the dashboard view of the safety state.
type Snapshot struct {
	DailyPnL             float64   `json:"dailyPnL"`
	MaxDailyLoss         float64   `json:"maxDailyLoss"`
	ConsecutiveLosses    int       `json:"consecutiveLosses"`
	MaxConsecutiveLosses int       `json:"maxConsecutiveLosses"`
	Wins                 int       `json:"wins"`
	Losses               int       `json:"losses"`
	SizeMultiplier       float64   `json:"sizeMultiplier"`
	Halted               bool      `json:"halted"`
	LastTradeAt          time.Time `json:"lastTradeAt,omitempty"`
}

// NewMonitor creates the safety monitor.
func NewMonitor(cfg config.ExecutionConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		day:    utcDay(time.Now()),
	}
}

// RecordTrade folds one realized exit PnL into the day's counters.
func (m *Monitor) RecordTrade(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(time.Now())
	m.dailyPnL += pnl
	m.lastTradeAt = time.Now()

	if pnl < 0 {
		m.losses++
		m.consecutiveLosses++
	} else {
		m.wins++
		if m.consecutiveLosses > 0 {
			m.logger.Info("loss streak broken",
				"streak", m.consecutiveLosses, "pnl", pnl)
		}
		m.consecutiveLosses = 0
	}

	mult := m.multiplierLocked()
	if mult < 1.0 {
		m.logger.Warn("position sizing reduced",
			"multiplier", mult,
			"dailyPnL", m.dailyPnL,
			"consecutiveLosses", m.consecutiveLosses)
	}
}

// PositionSizeMultiplier returns the entry-size scale in {1.0, 0.5, 0.25, 0}.
// 0 means entries are halted.
func (m *Monitor) PositionSizeMultiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())
	return m.multiplierLocked()
}

// Halted reports whether entries are fully blocked.
func (m *Monitor) Halted() bool {
	return m.PositionSizeMultiplier() == 0
}

// Snapshot returns a copy of the safety counters for the dashboard.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())

	mult := m.multiplierLocked()
	return Snapshot{
		DailyPnL:             m.dailyPnL,
		MaxDailyLoss:         m.cfg.MaxDailyLoss,
		ConsecutiveLosses:    m.consecutiveLosses,
		MaxConsecutiveLosses: m.cfg.MaxConsecutiveLosses,
		Wins:                 m.wins,
		Losses:               m.losses,
		SizeMultiplier:       mult,
		Halted:               mult == 0,
		LastTradeAt:          m.lastTradeAt,
	}
}

// multiplierLocked maps the two limits onto the sizing ladder. The stricter
// of the daily-loss fraction and the streak position wins.
func (m *Monitor) multiplierLocked() float64 {
	lossFrac := 0.0
	if m.cfg.MaxDailyLoss > 0 && m.dailyPnL < 0 {
		lossFrac = -m.dailyPnL / m.cfg.MaxDailyLoss
	}

	streakCap := m.cfg.MaxConsecutiveLosses
	switch {
	case lossFrac >= 1.0 || (streakCap > 0 && m.consecutiveLosses >= streakCap):
		return 0
	case lossFrac >= 0.75 || (streakCap > 1 && m.consecutiveLosses >= streakCap-1):
		return 0.25
	case lossFrac >= 0.5 || (streakCap > 2 && m.consecutiveLosses >= streakCap-2):
		return 0.5
	default:
		return 1.0
	}
}

// rollDayLocked resets the daily PnL budget at UTC midnight. The loss streak
// is behavioral, not calendar, and survives the rollover.
func (m *Monitor) rollDayLocked(now time.Time) {
	today := utcDay(now)
	if today.Equal(m.day) {
		return
	}
	if m.dailyPnL != 0 {
		m.logger.Info("daily pnl reset", "day", m.day.Format("2006-01-02"), "pnl", m.dailyPnL)
	}
	m.day = today
	m.dailyPnL = 0
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
