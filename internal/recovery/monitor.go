// Package recovery watches held positions for problems the trading cycle
// cannot see: runaway losses, positions orphaned by retired strategies,
// excessive leverage, markets that stopped moving, and stale inventory.
//
// Detected issues become CLOSE or REDUCE actions, batched into buffers and
// flushed every couple of seconds through the shared execution circuit
// breaker, so a broken venue halts recovery the same way it halts trading.
// Every issue also raises a deduplicated operator alert on the event bus.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"hyperliquid-trader/internal/breaker"
	"hyperliquid-trader/internal/bus"
	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/pkg/types"
)

// Executor is the slice of the execution engine recovery orders go through.
type Executor interface {
	ExecuteSignal(ctx context.Context, sig types.Signal, assessment *types.RiskAssessment) *types.OrderResult
}

// AccountSource provides the live position snapshot.
type AccountSource interface {
	AccountState(ctx context.Context) (*types.Portfolio, error)
}

// DataSource provides the strategy and trade context classification needs.
// Implemented by the persistence store; both methods may return empty
// results without error.
type DataSource interface {
	ActiveStrategySymbols(ctx context.Context) ([]string, error)
	RecentTradesBySymbol(ctx context.Context, symbol string, limit int) ([]types.Trade, error)
}

// scanData is one cached fetch of everything a scan needs.
type scanData struct {
	portfolio      *types.Portfolio
	activeSymbols  map[string]bool
	tradesBySymbol map[string][]types.Trade
	fetchedAt      time.Time
}

// queuedAction is an issue waiting in a flush buffer.
type queuedAction struct {
	issue Issue
}

// Stats is the monitor snapshot served by /api/position-recovery.
type Stats struct {
	Scans            int64          `json:"scans"`
	IssuesDetected   int64          `json:"issuesDetected"`
	ActionsQueued    int64          `json:"actionsQueued"`
	ActionsExecuted  int64          `json:"actionsExecuted"`
	ActionsFailed    int64          `json:"actionsFailed"`
	AlertsSent       int64          `json:"alertsSent"`
	AlertsSuppressed int64          `json:"alertsSuppressed"`
	LastScanAt       time.Time      `json:"lastScanAt"`
	ActiveIssues     []Issue        `json:"activeIssues"`
	Attempts         map[string]int `json:"attempts"`
	PendingActions   int            `json:"pendingActions"`
}

// Monitor is the position-recovery worker.
type Monitor struct {
	cfg      config.RecoveryConfig
	account  AccountSource
	data     DataSource
	executor Executor
	breakers *breaker.Registry
	bus      *bus.Bus
	logger   *slog.Logger

	group singleflight.Group

	mu           sync.Mutex
	cached       *scanData
	attempts     map[string]int       // {symbol|side} → recovery attempts used
	lastAlert    map[string]time.Time // {symbol|reason} → last alert time
	pending      map[string]bool      // {symbol|side} with an action in a buffer
	closeBuffer  []queuedAction
	reduceBuffer []queuedAction
	activeIssues []Issue

	scans            int64
	issuesDetected   int64
	actionsQueued    int64
	actionsExecuted  int64
	actionsFailed    int64
	alertsSent       int64
	alertsSuppressed int64
	lastScanAt       time.Time
}

// NewMonitor wires the recovery worker. data may be nil when persistence is
// disabled; classification then treats every symbol as strategy-covered and
// skips the trade-history checks.
func NewMonitor(cfg config.RecoveryConfig, account AccountSource, data DataSource, executor Executor, breakers *breaker.Registry, b *bus.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		account:   account,
		data:      data,
		executor:  executor,
		breakers:  breakers,
		bus:       b,
		logger:    logger.With("component", "recovery"),
		attempts:  make(map[string]int),
		lastAlert: make(map[string]time.Time),
		pending:   make(map[string]bool),
	}
}

// Run scans on the configured interval and flushes action buffers on the
// batch interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := m.cfg.BatchInterval
	if batch <= 0 {
		batch = 2 * time.Second
	}
	m.logger.Info("recovery monitor started", "interval", interval, "batchInterval", batch)

	scanTick := time.NewTicker(interval)
	defer scanTick.Stop()
	flushTick := time.NewTicker(batch)
	defer flushTick.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("recovery monitor stopped")
			return ctx.Err()
		case <-scanTick.C:
			m.scan(ctx)
		case <-flushTick.C:
			m.flush(ctx)
		}
	}
}

// scan classifies every held position and queues recovery actions.
func (m *Monitor) scan(ctx context.Context) {
	data, err := m.fetch(ctx)
	if err != nil {
		m.logger.Warn("recovery scan skipped", "error", err)
		return
	}

	var issues []Issue
	for _, pos := range data.portfolio.Positions {
		iss := m.classify(pos, data)
		if iss == nil {
			continue
		}
		issues = append(issues, *iss)
		m.alert(*iss)

		if iss.Action == ActionWait {
			continue
		}
		m.enqueue(*iss)
	}

	m.mu.Lock()
	m.scans++
	m.lastScanAt = time.Now()
	m.issuesDetected += int64(len(issues))
	m.activeIssues = issues
	m.mu.Unlock()
}

// fetch returns the scan snapshot, reusing a recent one and collapsing
// concurrent fetches.
func (m *Monitor) fetch(ctx context.Context) (*scanData, error) {
	m.mu.Lock()
	if c := m.cached; c != nil && time.Since(c.fetchedAt) < m.cfg.DataCacheTTL {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("scan", func() (any, error) {
		portfolio, err := m.account.AccountState(ctx)
		if err != nil {
			return nil, fmt.Errorf("account state: %w", err)
		}

		data := &scanData{
			portfolio:      portfolio,
			activeSymbols:  make(map[string]bool),
			tradesBySymbol: make(map[string][]types.Trade),
			fetchedAt:      time.Now(),
		}

		if m.data != nil {
			symbols, err := m.data.ActiveStrategySymbols(ctx)
			if err != nil {
				m.logger.Warn("active strategies unavailable", "error", err)
				// Treat every symbol as covered rather than closing
				// positions on a database hiccup.
				for _, pos := range portfolio.Positions {
					data.activeSymbols[pos.Symbol] = true
				}
			} else {
				for _, s := range symbols {
					data.activeSymbols[s] = true
				}
			}

			limit := m.cfg.StuckMinTrades
			if limit < 10 {
				limit = 10
			}
			for _, pos := range portfolio.Positions {
				trades, err := m.data.RecentTradesBySymbol(ctx, pos.Symbol, limit)
				if err != nil {
					m.logger.Warn("trade history unavailable", "symbol", pos.Symbol, "error", err)
					continue
				}
				data.tradesBySymbol[pos.Symbol] = trades
			}
		} else {
			for _, pos := range portfolio.Positions {
				data.activeSymbols[pos.Symbol] = true
			}
		}

		m.mu.Lock()
		m.cached = data
		m.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*scanData), nil
}

// alert raises a deduplicated operator alert for the issue.
func (m *Monitor) alert(iss Issue) {
	key := iss.Symbol + "|" + string(iss.Reason)

	m.mu.Lock()
	last, seen := m.lastAlert[key]
	if seen && time.Since(last) < m.cfg.AlertDedupInterval {
		m.alertsSuppressed++
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = time.Now()
	m.alertsSent++
	m.mu.Unlock()

	m.logger.Warn("position issue detected",
		"symbol", iss.Symbol, "side", iss.Side, "reason", iss.Reason,
		"priority", iss.Priority, "action", iss.Action, "detail", iss.Detail)

	m.bus.Publish(bus.Error, bus.ErrorEvent{
		Type:      string(iss.Reason),
		Message:   fmt.Sprintf("%s %s: %s (%s)", iss.Symbol, iss.Side, iss.Detail, iss.Action),
		Source:    "recovery",
		Timestamp: time.Now(),
	})
}

// enqueue buffers a CLOSE/REDUCE action, charging one recovery attempt.
func (m *Monitor) enqueue(iss Issue) {
	key := attemptKey(iss.Symbol, iss.Side)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending[key] {
		return // already buffered this position
	}
	if m.attempts[key] >= m.cfg.MaxAttempts {
		m.logger.Warn("recovery attempts exhausted",
			"symbol", iss.Symbol, "side", iss.Side, "attempts", m.attempts[key])
		return
	}
	m.attempts[key]++
	m.pending[key] = true
	m.actionsQueued++

	qa := queuedAction{issue: iss}
	if iss.Action == ActionReduce {
		m.reduceBuffer = append(m.reduceBuffer, qa)
	} else {
		m.closeBuffer = append(m.closeBuffer, qa)
	}
}

// flush drains both buffers and executes every action concurrently.
func (m *Monitor) flush(ctx context.Context) {
	m.mu.Lock()
	closes := m.closeBuffer
	reduces := m.reduceBuffer
	m.closeBuffer = nil
	m.reduceBuffer = nil
	m.mu.Unlock()

	if len(closes)+len(reduces) == 0 {
		return
	}
	m.logger.Info("flushing recovery actions", "closes", len(closes), "reduces", len(reduces))

	var wg sync.WaitGroup
	run := func(qa queuedAction) {
		defer wg.Done()
		err := m.executeAction(ctx, qa.issue)

		key := attemptKey(qa.issue.Symbol, qa.issue.Side)
		m.mu.Lock()
		delete(m.pending, key)
		if err != nil {
			m.actionsFailed++
		} else {
			m.actionsExecuted++
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("recovery action failed",
				"symbol", qa.issue.Symbol, "action", qa.issue.Action, "error", err)
		}
	}
	for _, qa := range closes {
		wg.Add(1)
		go run(qa)
	}
	for _, qa := range reduces {
		wg.Add(1)
		go run(qa)
	}
	wg.Wait()
}

// executeAction sends one recovery order through the execution breaker.
func (m *Monitor) executeAction(ctx context.Context, iss Issue) error {
	size := iss.Size
	if iss.Action == ActionReduce {
		size = iss.Size / 2
	}

	action := types.ActionSell
	if iss.Side == types.SHORT {
		action = types.ActionBuy
	}

	sig := types.Signal{
		ID:         uuid.NewString(),
		StrategyID: types.StrategyPositionRecovery,
		Symbol:     iss.Symbol,
		Action:     action,
		Size:       size,
		Type:       types.OrderTypeMarket,
		Confidence: 1.0,
		Reason:     fmt.Sprintf("position recovery: %s", iss.Reason),
		Timestamp:  time.Now(),
	}

	return m.breakers.Execute(breaker.Execution, func() error {
		res := m.executor.ExecuteSignal(ctx, sig, &types.RiskAssessment{
			Approved:      true,
			SuggestedSize: size,
		})
		switch res.Status {
		case types.OrderFilled, types.OrderResting:
			return nil
		case types.OrderError:
			return errors.New(res.Error)
		default:
			return fmt.Errorf("recovery order rejected: %s", res.Reason)
		}
	}, nil)
}

// RecoverPosition runs one manual recovery action immediately, outside the
// batch buffers. An empty action defaults to CLOSE.
func (m *Monitor) RecoverPosition(ctx context.Context, symbol string, side types.PositionSide, action Action) error {
	if action == "" {
		action = ActionClose
	}
	if action != ActionClose && action != ActionReduce {
		return fmt.Errorf("unsupported recovery action %q", action)
	}

	portfolio, err := m.account.AccountState(ctx)
	if err != nil {
		return fmt.Errorf("account state: %w", err)
	}
	pos := portfolio.FindPosition(symbol)
	if pos == nil || pos.Side != side {
		return fmt.Errorf("no %s %s position held", symbol, side)
	}

	iss := Issue{
		Symbol:     symbol,
		Side:       side,
		Size:       pos.Size,
		Reason:     "MANUAL",
		Action:     action,
		Priority:   PriorityHigh,
		Detail:     "operator request",
		DetectedAt: time.Now(),
	}
	m.logger.Info("manual recovery requested", "symbol", symbol, "side", side, "action", action)
	return m.executeAction(ctx, iss)
}

// ResetRecoveryAttempts clears the attempt budget for one position.
func (m *Monitor) ResetRecoveryAttempts(symbol string, side types.PositionSide) {
	key := attemptKey(symbol, side)
	m.mu.Lock()
	delete(m.attempts, key)
	m.mu.Unlock()
	m.logger.Info("recovery attempts reset", "symbol", symbol, "side", side)
}

// EmergencyCloseAll closes every held position in parallel, bypassing the
// attempt budget and batch buffers. Returns how many closes succeeded.
func (m *Monitor) EmergencyCloseAll(ctx context.Context) (int, error) {
	portfolio, err := m.account.AccountState(ctx)
	if err != nil {
		return 0, fmt.Errorf("account state: %w", err)
	}
	if len(portfolio.Positions) == 0 {
		return 0, nil
	}
	m.logger.Warn("emergency close all", "positions", len(portfolio.Positions))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for _, pos := range portfolio.Positions {
		wg.Add(1)
		go func(pos types.Position) {
			defer wg.Done()
			iss := Issue{
				Symbol:     pos.Symbol,
				Side:       pos.Side,
				Size:       pos.Size,
				Reason:     "EMERGENCY",
				Action:     ActionClose,
				Priority:   PriorityCritical,
				Detail:     "emergency close all",
				DetectedAt: time.Now(),
			}
			if err := m.executeAction(ctx, iss); err != nil {
				m.logger.Error("emergency close failed", "symbol", pos.Symbol, "error", err)
				return
			}
			mu.Lock()
			closed++
			mu.Unlock()
		}(pos)
	}
	wg.Wait()
	return closed, nil
}

// Snapshot returns the monitor state for the operator API.
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := make(map[string]int, len(m.attempts))
	for k, v := range m.attempts {
		attempts[k] = v
	}
	issues := append([]Issue(nil), m.activeIssues...)

	return Stats{
		Scans:            m.scans,
		IssuesDetected:   m.issuesDetected,
		ActionsQueued:    m.actionsQueued,
		ActionsExecuted:  m.actionsExecuted,
		ActionsFailed:    m.actionsFailed,
		AlertsSent:       m.alertsSent,
		AlertsSuppressed: m.alertsSuppressed,
		LastScanAt:       m.lastScanAt,
		ActiveIssues:     issues,
		Attempts:         attempts,
		PendingActions:   len(m.closeBuffer) + len(m.reduceBuffer),
	}
}

func attemptKey(symbol string, side types.PositionSide) string {
	return symbol + "|" + string(side)
}
