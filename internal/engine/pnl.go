package engine

import (
	"sync"

	"hyperliquid-trader/pkg/types"
)

// tradeRingCap bounds the in-memory trade history; the store keeps the full
// record.
const tradeRingCap = 200

// pnlBook accumulates the session's realized PnL and a ring of recent
// trades for the dashboard.
type pnlBook struct {
	mu       sync.Mutex
	realized float64
	trades   []types.Trade
	next     int
	full     bool
}

func newPnLBook() *pnlBook {
	return &pnlBook{trades: make([]types.Trade, tradeRingCap)}
}

func (b *pnlBook) record(t types.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.EntryExit == types.Exit {
		b.realized += t.PnL
	}
	b.trades[b.next] = t
	b.next = (b.next + 1) % tradeRingCap
	if b.next == 0 {
		b.full = true
	}
}

func (b *pnlBook) realizedTotal() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized
}

// recent returns up to limit trades, newest first.
func (b *pnlBook) recent(limit int) []types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.next
	if b.full {
		n = tradeRingCap
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Trade, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, b.trades[(b.next-i+tradeRingCap)%tradeRingCap])
	}
	return out
}
