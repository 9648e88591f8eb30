package exchange

import (
	"fmt"
	"sync"
	"time"

	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/pkg/types"
)

// churnGuard keeps per-symbol order pacing and fill-rate state. Entries are
// gated on four rules; reduce-only exits skip admission entirely but still
// feed the stats.
//
// Admission for an entry fails when any of these hold:
//   - the last order on the symbol was under MinOrderInterval ago
//   - the symbol is cooling down after a failure (OrderCooldown, extended
//     exponentially once consecutive failures reach the threshold)
//   - the signal confidence is below the floor
//   - the symbol's fill rate is under the floor after the warm-up quota
type churnGuard struct {
	cfg config.ExchangeConfig

	mu      sync.Mutex
	symbols map[string]*symbolState
}

// symbolState is one symbol's actor. orderMu serializes placement attempts
// end to end; mu guards the data fields and is never held across I/O.
type symbolState struct {
	orderMu sync.Mutex

	mu            sync.Mutex
	stats         types.OrderStats
	lastFailureAt time.Time
}

func newChurnGuard(cfg config.ExchangeConfig) *churnGuard {
	return &churnGuard{cfg: cfg, symbols: make(map[string]*symbolState)}
}

// state returns the actor for a symbol, creating it on first use.
func (g *churnGuard) state(symbol string) *symbolState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.symbols[symbol]
	if !ok {
		st = &symbolState{}
		g.symbols[symbol] = st
	}
	return st
}

// admitEntry applies the entry gates. On refusal it returns ok=false and a
// human-readable detail for the log line.
func (g *churnGuard) admitEntry(symbol string, confidence float64) (detail string, ok bool) {
	st := g.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if !st.stats.LastOrderAt.IsZero() {
		if since := now.Sub(st.stats.LastOrderAt); since < g.cfg.MinOrderInterval {
			return fmt.Sprintf("min order interval: %s since last order, need %s",
				since.Round(time.Millisecond), g.cfg.MinOrderInterval), false
		}
	}

	if st.stats.ConsecutiveFailures > 0 && !st.lastFailureAt.IsZero() {
		cooldown := g.cooldownFor(st.stats.ConsecutiveFailures)
		if since := now.Sub(st.lastFailureAt); since < cooldown {
			return fmt.Sprintf("cooling down after %d consecutive failures: %s of %s elapsed",
				st.stats.ConsecutiveFailures, since.Round(time.Second), cooldown), false
		}
	}

	if confidence < g.cfg.MinConfidence {
		return fmt.Sprintf("confidence %.2f below floor %.2f", confidence, g.cfg.MinConfidence), false
	}

	if st.stats.Submitted >= g.cfg.FillRateWarmup {
		if rate := st.stats.FillRate(); rate < g.cfg.MinFillRate {
			return fmt.Sprintf("fill rate %.1f%% below floor %.1f%% after %d orders",
				rate*100, g.cfg.MinFillRate*100, st.stats.Submitted), false
		}
	}

	return "", true
}

// cooldownFor returns the failure cooldown, doubled for every consecutive
// failure past the threshold and capped.
func (g *churnGuard) cooldownFor(consecutiveFailures int) time.Duration {
	cooldown := g.cfg.OrderCooldown
	if consecutiveFailures < g.cfg.ChurnFailureThreshold {
		return cooldown
	}
	extra := g.cfg.ExtendedCooldown << uint(consecutiveFailures-g.cfg.ChurnFailureThreshold)
	if extra > g.cfg.ExtendedCooldownCap || extra <= 0 {
		extra = g.cfg.ExtendedCooldownCap
	}
	return cooldown + extra
}

// recordSubmitted marks one order handed to the venue.
func (g *churnGuard) recordSubmitted(symbol string) {
	st := g.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats.Submitted++
	st.stats.LastOrderAt = time.Now()
}

// recordFilled marks a fill, resetting the failure streak.
func (g *churnGuard) recordFilled(symbol string) {
	st := g.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats.Filled++
	st.stats.ConsecutiveFailures = 0
}

// recordAccepted marks a venue acceptance that did not fill (resting order).
// It resets the failure streak without counting a fill.
func (g *churnGuard) recordAccepted(symbol string) {
	st := g.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats.ConsecutiveFailures = 0
}

// recordFailure marks a venue or transport failure.
func (g *churnGuard) recordFailure(symbol string) {
	st := g.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats.Failed++
	st.stats.ConsecutiveFailures++
	st.lastFailureAt = time.Now()
}

// snapshot returns a copy of every symbol's stats.
func (g *churnGuard) snapshot() map[string]types.OrderStats {
	g.mu.Lock()
	names := make([]string, 0, len(g.symbols))
	states := make([]*symbolState, 0, len(g.symbols))
	for sym, st := range g.symbols {
		names = append(names, sym)
		states = append(states, st)
	}
	g.mu.Unlock()

	out := make(map[string]types.OrderStats, len(names))
	for i, st := range states {
		st.mu.Lock()
		out[names[i]] = st.stats
		st.mu.Unlock()
	}
	return out
}
