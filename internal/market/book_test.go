package market

import (
	"errors"
	"testing"
	"time"

	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/pkg/types"
)

func testValidator() *Validator {
	return NewValidator(config.ExchangeConfig{
		MaxSpreadRatio: 0.001,
		MinDepthLevels: 5,
		MinDepthUSD:    10000,
	})
}

// deepBook builds a book with n levels per side, each level carrying
// $50k notional, around a $50,000 mid with the given absolute spread.
func deepBook(n int, spread float64) *types.L2Book {
	mid := 50000.0
	book := &types.L2Book{Symbol: "BTC", Timestamp: time.Now()}
	for i := 0; i < n; i++ {
		bidPx := mid - spread/2 - float64(i)
		askPx := mid + spread/2 + float64(i)
		book.Bids = append(book.Bids, types.L2Level{Price: bidPx, Size: 1.0})
		book.Asks = append(book.Asks, types.L2Level{Price: askPx, Size: 1.0})
	}
	return book
}

func TestValidatorAcceptsHealthyBook(t *testing.T) {
	t.Parallel()
	v := testValidator()
	if err := v.Check(deepBook(5, 10)); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

func TestValidatorRejectsNilBook(t *testing.T) {
	t.Parallel()
	v := testValidator()
	if err := v.Check(nil); !errors.Is(err, ErrInsufficientDepth) {
		t.Errorf("Check(nil) = %v, want ErrInsufficientDepth", err)
	}
}

func TestValidatorRejectsShallowBook(t *testing.T) {
	t.Parallel()
	v := testValidator()
	if err := v.Check(deepBook(3, 10)); !errors.Is(err, ErrInsufficientDepth) {
		t.Errorf("Check() = %v, want ErrInsufficientDepth", err)
	}
}

func TestValidatorRejectsThinNotional(t *testing.T) {
	t.Parallel()
	v := testValidator()

	// Five levels but only $50 per level.
	book := deepBook(5, 10)
	for i := range book.Bids {
		book.Bids[i].Size = 0.001
		book.Asks[i].Size = 0.001
	}
	if err := v.Check(book); !errors.Is(err, ErrInsufficientDepth) {
		t.Errorf("Check() = %v, want ErrInsufficientDepth", err)
	}
}

func TestValidatorRejectsWideSpread(t *testing.T) {
	t.Parallel()
	v := testValidator()

	// 0.2% spread on a $50k mid = $100.
	if err := v.Check(deepBook(5, 100)); !errors.Is(err, ErrSpreadTooWide) {
		t.Errorf("Check() = %v, want ErrSpreadTooWide", err)
	}
}

func TestValidatorRejectsSpreadAtThreshold(t *testing.T) {
	t.Parallel()
	v := testValidator()

	// Exactly 0.1% of the $50k mid. The boundary itself must reject.
	if err := v.Check(deepBook(5, 50)); !errors.Is(err, ErrSpreadTooWide) {
		t.Errorf("Check() at exact threshold = %v, want ErrSpreadTooWide", err)
	}
}

func TestAggressivePrice(t *testing.T) {
	t.Parallel()
	book := &types.L2Book{
		Bids: []types.L2Level{{Price: 100, Size: 1}},
		Asks: []types.L2Level{{Price: 101, Size: 1}},
	}

	if got := AggressivePrice(book, types.BUY, 0.005); got != 101*1.005 {
		t.Errorf("BUY price = %v, want %v", got, 101*1.005)
	}
	if got := AggressivePrice(book, types.SELL, 0.005); got != 100*0.995 {
		t.Errorf("SELL price = %v, want %v", got, 100*0.995)
	}

	empty := &types.L2Book{}
	if got := AggressivePrice(empty, types.BUY, 0.005); got != 0 {
		t.Errorf("BUY on empty book = %v, want 0", got)
	}
}

func TestNotionalDepth(t *testing.T) {
	t.Parallel()
	levels := []types.L2Level{
		{Price: 100, Size: 2}, // 200
		{Price: 99, Size: 1},  // 99
		{Price: 98, Size: 1},  // 98
	}

	if got := NotionalDepth(levels, 2); got != 299 {
		t.Errorf("NotionalDepth(2) = %v, want 299", got)
	}
	// n beyond the slice just sums everything.
	if got := NotionalDepth(levels, 10); got != 397 {
		t.Errorf("NotionalDepth(10) = %v, want 397", got)
	}
}

func TestMid(t *testing.T) {
	t.Parallel()
	book := &types.L2Book{
		Bids: []types.L2Level{{Price: 100, Size: 1}},
		Asks: []types.L2Level{{Price: 102, Size: 1}},
	}
	if got := Mid(book); got != 101 {
		t.Errorf("Mid() = %v, want 101", got)
	}
	if got := Mid(&types.L2Book{}); got != 0 {
		t.Errorf("Mid(empty) = %v, want 0", got)
	}
}
