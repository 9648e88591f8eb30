// Package ledger tracks cumulative fills for every submitted order and
// rejects any fill that would exceed the ordered quantity.
//
// The ledger is authoritative: even when the venue reports cumulative
// totals, the local arithmetic decides whether a fill is accepted, and
// divergence from venue totals is logged. Quantities are decimals so an
// overfill by one satoshi is still an overfill.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-trader/pkg/types"
)

// ErrOverfill marks a fill rejected because it would push filledQty above
// orderQty.
var ErrOverfill = errors.New("overfill rejected")

// ErrUnknownOrder marks a fill or close for an order the ledger never saw.
var ErrUnknownOrder = errors.New("unknown order")

// Status is the ledger's view of an order's lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// Entry is one tracked order. FilledQty never exceeds OrderQty.
type Entry struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	OrderQty      decimal.Decimal `json:"orderQty"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgPx         decimal.Decimal `json:"avgPx"`
	Status        Status          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OverfillFunc observes rejected fills, e.g. to publish EXECUTION_FAILED
// with reason OVERFILL.
type OverfillFunc func(entry Entry, fillQty, fillPx decimal.Decimal)

// Ledger is the overfill-protection book. All operations are O(1) under a
// single mutex.
type Ledger struct {
	mu         sync.Mutex
	byClientID map[string]*Entry
	byOrderID  map[int64]string // venue oid -> clientOrderId
	logger     *slog.Logger
	onOverfill OverfillFunc
}

// New builds an empty ledger.
func New(logger *slog.Logger) *Ledger {
	return &Ledger{
		byClientID: make(map[string]*Entry),
		byOrderID:  make(map[int64]string),
		logger:     logger.With("component", "ledger"),
	}
}

// OnOverfill installs the rejection observer. Call before first use.
func (l *Ledger) OnOverfill(fn OverfillFunc) {
	l.onOverfill = fn
}

// RegisterOrder inserts a PENDING entry. Idempotent on ClientOrderID: a
// repeated registration returns the existing entry untouched.
func (l *Ledger) RegisterOrder(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byClientID[e.ClientOrderID]; ok {
		return *existing
	}

	e.Status = StatusPending
	e.FilledQty = decimal.Zero
	e.AvgPx = decimal.Zero
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	stored := e
	l.byClientID[e.ClientOrderID] = &stored
	if e.OrderID != 0 {
		l.byOrderID[e.OrderID] = e.ClientOrderID
	}
	return stored
}

// Bind attaches the venue order ID to an entry registered before
// submission.
func (l *Ledger) Bind(clientOrderID string, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byClientID[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: client order %s", ErrUnknownOrder, clientOrderID)
	}
	e.OrderID = orderID
	l.byOrderID[orderID] = clientOrderID
	return nil
}

// RecordFill applies a fill to the order, updating the weighted-average
// price. A fill that would exceed the ordered quantity is rejected with
// ErrOverfill, logged at ERROR, and reported through the overfill observer.
func (l *Ledger) RecordFill(orderID int64, fillQty, fillPx decimal.Decimal) error {
	l.mu.Lock()
	e, err := l.lookupLocked(orderID)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	next := e.FilledQty.Add(fillQty)
	if next.GreaterThan(e.OrderQty) {
		snapshot := *e
		l.mu.Unlock()
		l.logger.Error("overfill rejected",
			"symbol", snapshot.Symbol,
			"orderId", orderID,
			"orderQty", snapshot.OrderQty,
			"filledQty", snapshot.FilledQty,
			"fillQty", fillQty)
		if l.onOverfill != nil {
			l.onOverfill(snapshot, fillQty, fillPx)
		}
		return fmt.Errorf("%w: order %d fill %s exceeds remaining %s",
			ErrOverfill, orderID, fillQty, snapshot.OrderQty.Sub(snapshot.FilledQty))
	}

	// Weighted-average entry price across partial fills.
	notional := e.AvgPx.Mul(e.FilledQty).Add(fillPx.Mul(fillQty))
	e.FilledQty = next
	if next.IsPositive() {
		e.AvgPx = notional.Div(next)
	}
	if e.FilledQty.Equal(e.OrderQty) {
		e.Status = StatusFilled
	} else {
		e.Status = StatusPartial
	}
	l.mu.Unlock()
	return nil
}

// ReconcileTotal compares the venue's cumulative filled total against the
// ledger. The ledger stays authoritative; a mismatch is only logged.
func (l *Ledger) ReconcileTotal(orderID int64, venueTotal decimal.Decimal) {
	l.mu.Lock()
	e, err := l.lookupLocked(orderID)
	if err != nil {
		l.mu.Unlock()
		return
	}
	diverged := !e.FilledQty.Equal(venueTotal)
	snapshot := *e
	l.mu.Unlock()

	if diverged {
		l.logger.Warn("fill total divergence",
			"symbol", snapshot.Symbol,
			"orderId", orderID,
			"ledgerTotal", snapshot.FilledQty,
			"venueTotal", venueTotal)
	}
}

// CloseOrder finalizes the entry. Fills recorded so far stay visible.
func (l *Ledger) CloseOrder(orderID int64, final Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.lookupLocked(orderID)
	if err != nil {
		return err
	}
	e.Status = final
	return nil
}

// Lookup returns a copy of the entry for a venue order ID.
func (l *Ledger) Lookup(orderID int64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.lookupLocked(orderID)
	if err != nil {
		return Entry{}, false
	}
	return *e, true
}

// LookupClient returns a copy of the entry for a client order ID.
func (l *Ledger) LookupClient(clientOrderID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byClientID[clientOrderID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a copy of every tracked order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.byClientID))
	for _, e := range l.byClientID {
		out = append(out, *e)
	}
	return out
}

func (l *Ledger) lookupLocked(orderID int64) (*Entry, error) {
	cid, ok := l.byOrderID[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", ErrUnknownOrder, orderID)
	}
	e, ok := l.byClientID[cid]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", ErrUnknownOrder, orderID)
	}
	return e, nil
}
