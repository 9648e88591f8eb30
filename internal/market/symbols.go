package market

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidSize marks a zero-or-negative order quantity. Unlike a below-min
// size (which is rounded up), this is not recoverable.
var ErrInvalidSize = errors.New("invalid order size")

// Spec carries the venue formatting rules for one perp symbol: the price
// tick, the number of size decimals, and the minimum order quantity.
type Spec struct {
	Symbol       string
	PriceTick    float64
	SizeDecimals int32
	MinSize      float64
}

// SpecFor returns the formatting spec for a symbol. Majors get their known
// ticks and minimums; everything else gets the conservative default.
func SpecFor(symbol string) Spec {
	s := Spec{Symbol: symbol, PriceTick: 0.01, SizeDecimals: 4, MinSize: 0.01}
	switch strings.ToUpper(symbol) {
	case "BTC":
		s.PriceTick = 1.0
		s.SizeDecimals = 5
		s.MinSize = 0.0001
	case "ETH":
		s.PriceTick = 0.1
		s.MinSize = 0.001
	case "SOL":
		s.MinSize = 0.01
	}
	return s
}

// FormatPrice snaps a price onto the symbol's tick grid.
func (s Spec) FormatPrice(price float64) float64 {
	tick := decimal.NewFromFloat(s.PriceTick)
	p := decimal.NewFromFloat(price)
	snapped, _ := p.Div(tick).Round(0).Mul(tick).Float64()
	return snapped
}

// PriceString renders a tick-snapped price as the venue's wire string (no
// trailing zeros, no exponent).
func (s Spec) PriceString(price float64) string {
	tick := decimal.NewFromFloat(s.PriceTick)
	return decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).String()
}

// FormatSize truncates a quantity to the symbol's size decimals.
func (s Spec) FormatSize(size float64) float64 {
	sz, _ := decimal.NewFromFloat(size).Truncate(s.SizeDecimals).Float64()
	return sz
}

// SizeString renders a quantity as the venue's wire string.
func (s Spec) SizeString(size float64) string {
	return decimal.NewFromFloat(size).Truncate(s.SizeDecimals).String()
}

// ValidateSize normalizes an order quantity: zero or negative is fatal,
// below-minimum rounds up to the minimum, and everything is truncated to the
// symbol's size decimals. Returns the quantity the order should carry.
func (s Spec) ValidateSize(size float64) (float64, error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	if size < s.MinSize {
		size = s.MinSize
	}
	sz := s.FormatSize(size)
	if sz <= 0 {
		// Truncation can zero out a dust quantity just above zero.
		return 0, ErrInvalidSize
	}
	return sz, nil
}
