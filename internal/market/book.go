// Package market holds venue market metadata and order book quality checks.
//
// The exchange client asks two questions before it lets an entry touch the
// wire: "is this book deep enough to absorb the order?" and "is the spread
// tight enough that an aggressive IOC won't bleed?". Validator answers both
// from a single L2 snapshot. Symbol specs (tick size, size decimals, minimum
// order size) live in symbols.go and are applied to every outgoing price and
// quantity.
package market

import (
	"errors"
	"fmt"

	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/pkg/types"
)

// Sentinel causes for book-quality rejections. The exchange client maps
// these onto the REJECTED result variant.
var (
	ErrInsufficientDepth = errors.New("insufficient book depth")
	ErrSpreadTooWide     = errors.New("spread too wide")
)

// Validator checks an L2 snapshot against configured depth and spread
// floors. Entries that fail never leave the process.
type Validator struct {
	maxSpreadRatio float64 // (ask-bid)/mid at or above this rejects
	minLevels      int     // levels required on each side
	minNotionalUSD float64 // top-N notional floor per side
}

// NewValidator builds a Validator from the exchange config.
func NewValidator(cfg config.ExchangeConfig) *Validator {
	return &Validator{
		maxSpreadRatio: cfg.MaxSpreadRatio,
		minLevels:      cfg.MinDepthLevels,
		minNotionalUSD: cfg.MinDepthUSD,
	}
}

// Check validates book quality for order admission. It requires minLevels
// price levels on both sides, the top-minLevels notional on each side to
// clear the USD floor, and the relative spread to be strictly below the
// maximum. A nil or one-sided book fails the depth check.
func (v *Validator) Check(book *types.L2Book) error {
	if book == nil {
		return fmt.Errorf("%w: no book", ErrInsufficientDepth)
	}
	if len(book.Bids) < v.minLevels || len(book.Asks) < v.minLevels {
		return fmt.Errorf("%w: %d bid / %d ask levels, need %d",
			ErrInsufficientDepth, len(book.Bids), len(book.Asks), v.minLevels)
	}

	bidDepth := NotionalDepth(book.Bids, v.minLevels)
	askDepth := NotionalDepth(book.Asks, v.minLevels)
	if bidDepth < v.minNotionalUSD || askDepth < v.minNotionalUSD {
		return fmt.Errorf("%w: $%.0f bid / $%.0f ask in top %d, need $%.0f",
			ErrInsufficientDepth, bidDepth, askDepth, v.minLevels, v.minNotionalUSD)
	}

	if spread := book.SpreadRatio(); spread >= v.maxSpreadRatio {
		return fmt.Errorf("%w: %.4f%% >= %.4f%%",
			ErrSpreadTooWide, spread*100, v.maxSpreadRatio*100)
	}
	return nil
}

// NotionalDepth sums price x size over the top n levels of one book side.
func NotionalDepth(levels []types.L2Level, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	total := 0.0
	for _, lvl := range levels[:n] {
		total += lvl.Price * lvl.Size
	}
	return total
}

// AggressivePrice returns the limit price for a market-like IOC order: top
// of the opposing side padded by the slippage buffer, so the order crosses
// the book but caps how far it can walk. Returns 0 when the needed side is
// empty.
func AggressivePrice(book *types.L2Book, side types.Side, slippagePct float64) float64 {
	switch side {
	case types.BUY:
		ask := book.BestAsk()
		if ask <= 0 {
			return 0
		}
		return ask * (1 + slippagePct)
	case types.SELL:
		bid := book.BestBid()
		if bid <= 0 {
			return 0
		}
		return bid * (1 - slippagePct)
	}
	return 0
}

// Mid returns the book midpoint, or 0 when either side is empty.
func Mid(book *types.L2Book) float64 {
	bid, ask := book.BestBid(), book.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}
