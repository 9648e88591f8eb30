package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hyperliquid-trader/pkg/types"
)

// Wire shapes for the venue's two endpoints. Info reads are plain JSON
// bodies against POST /info; trading actions go to POST /exchange wrapped in
// a signed envelope. Numeric prices and sizes travel as decimal strings.

// infoRequest is the body for every /info read.
type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`

	Req *candleReq `json:"req,omitempty"`
}

type candleReq struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// wireOrder is one order inside an order action: a=asset index, b=isBuy,
// p=price, s=size, r=reduceOnly, t=order type.
type wireOrder struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	Type       wireOrderType `json:"t"`
}

type wireOrderType struct {
	Limit wireLimit `json:"limit"`
}

type wireLimit struct {
	Tif types.TimeInForce `json:"tif"`
}

// orderAction is the /exchange action for placing orders.
type orderAction struct {
	Type     string      `json:"type"` // "order"
	Orders   []wireOrder `json:"orders"`
	Grouping string      `json:"grouping"` // "na"
}

// cancelAction cancels orders by (asset, oid).
type cancelAction struct {
	Type    string       `json:"type"` // "cancel"
	Cancels []wireCancel `json:"cancels"`
}

type wireCancel struct {
	Asset   int   `json:"a"`
	OrderID int64 `json:"o"`
}

// leverageAction updates per-asset leverage.
type leverageAction struct {
	Type     string `json:"type"` // "updateLeverage"
	Asset    int    `json:"asset"`
	IsCross  bool   `json:"isCross"`
	Leverage int    `json:"leverage"`
}

// signedRequest is the POST /exchange envelope.
type signedRequest struct {
	Action    json.RawMessage `json:"action"`
	Nonce     uint64          `json:"nonce"`
	Signature wireSignature   `json:"signature"`
}

type wireSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// exchangeResponse is the /exchange reply envelope. Status is "ok" or "err";
// on "err" Response carries a bare string.
type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResponseData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatus `json:"statuses"`
	} `json:"data"`
}

// orderStatus is one element of statuses[]: exactly one of Filled, Resting,
// or Error is set.
type orderStatus struct {
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		OID     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Resting *struct {
		OID int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Error string `json:"error,omitempty"`
}

// parseOrderStatuses unwraps an /exchange order reply down to the per-order
// statuses. A top-level "err" status or a malformed body becomes an error.
func parseOrderStatuses(resp *exchangeResponse) ([]orderStatus, error) {
	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return nil, fmt.Errorf("exchange rejected action: %s", msg)
	}
	var data orderResponseData
	if err := json.Unmarshal(resp.Response, &data); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if len(data.Data.Statuses) == 0 {
		return nil, fmt.Errorf("order response carried no statuses")
	}
	return data.Data.Statuses, nil
}

// metaResponse is the /info "meta" reply: the tradable universe in asset-
// index order.
type metaResponse struct {
	Universe []assetMeta `json:"universe"`
}

type assetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

// clearinghouseState is the /info account snapshot.
type clearinghouseState struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
		TotalNtlPos     string `json:"totalNtlPos"`
	} `json:"marginSummary"`
	Withdrawable   string `json:"withdrawable"`
	AssetPositions []struct {
		Position struct {
			Coin           string `json:"coin"`
			Szi            string `json:"szi"` // signed size: negative = short
			EntryPx        string `json:"entryPx"`
			PositionValue  string `json:"positionValue"`
			UnrealizedPnl  string `json:"unrealizedPnl"`
			MarginUsed     string `json:"marginUsed"`
			LeverageDetail struct {
				Value float64 `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
}

// toPortfolio converts the wire account snapshot into the internal shape.
// Positions with zero size are dropped; mark price is derived from position
// value when present.
func (cs *clearinghouseState) toPortfolio() *types.Portfolio {
	p := &types.Portfolio{
		AccountValue:    parseWireFloat(cs.MarginSummary.AccountValue),
		TotalMarginUsed: parseWireFloat(cs.MarginSummary.TotalMarginUsed),
		TotalNotional:   parseWireFloat(cs.MarginSummary.TotalNtlPos),
		Withdrawable:    parseWireFloat(cs.Withdrawable),
		UpdatedAt:       time.Now(),
	}
	for _, ap := range cs.AssetPositions {
		pos := ap.Position
		szi := parseWireFloat(pos.Szi)
		if szi == 0 {
			continue
		}
		side := types.LONG
		size := szi
		if szi < 0 {
			side = types.SHORT
			size = -szi
		}
		mark := 0.0
		if v := parseWireFloat(pos.PositionValue); v > 0 && size > 0 {
			mark = v / size
		}
		p.Positions = append(p.Positions, types.Position{
			Symbol:        pos.Coin,
			Side:          side,
			Size:          size,
			EntryPrice:    parseWireFloat(pos.EntryPx),
			MarkPrice:     mark,
			UnrealizedPnL: parseWireFloat(pos.UnrealizedPnl),
			Leverage:      pos.LeverageDetail.Value,
			MarginUsed:    parseWireFloat(pos.MarginUsed),
		})
	}
	return p
}

// wireOpenOrder is one /info "openOrders" element.
type wireOpenOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"` // "B" or "A"
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	OID       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"` // ms
}

func (o wireOpenOrder) toOpenOrder() types.OpenOrder {
	side := types.BUY
	if strings.EqualFold(o.Side, "A") {
		side = types.SELL
	}
	return types.OpenOrder{
		OrderID:   o.OID,
		Symbol:    o.Coin,
		Side:      side,
		Price:     parseWireFloat(o.LimitPx),
		Size:      parseWireFloat(o.Sz),
		Timestamp: time.UnixMilli(o.Timestamp),
	}
}

// wireCandle is one /info "candleSnapshot" element.
type wireCandle struct {
	T int64  `json:"t"` // open time, ms
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
}

func (w wireCandle) toCandle() types.Candle {
	return types.Candle{
		Timestamp: time.UnixMilli(w.T),
		Open:      parseWireFloat(w.O),
		High:      parseWireFloat(w.H),
		Low:       parseWireFloat(w.L),
		Close:     parseWireFloat(w.C),
		Volume:    parseWireFloat(w.V),
	}
}

// l2Response is the /info "l2Book" reply: levels[0] bids, levels[1] asks.
type l2Response struct {
	Coin   string      `json:"coin"`
	Levels [][]l2Level `json:"levels"`
	Time   int64       `json:"time"`
}

type l2Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

func (r *l2Response) toBook(symbol string) *types.L2Book {
	book := &types.L2Book{Symbol: symbol, Timestamp: time.UnixMilli(r.Time)}
	if book.Timestamp.IsZero() || r.Time == 0 {
		book.Timestamp = time.Now()
	}
	if len(r.Levels) > 0 {
		for _, lvl := range r.Levels[0] {
			book.Bids = append(book.Bids, types.L2Level{Price: parseWireFloat(lvl.Px), Size: parseWireFloat(lvl.Sz)})
		}
	}
	if len(r.Levels) > 1 {
		for _, lvl := range r.Levels[1] {
			book.Asks = append(book.Asks, types.L2Level{Price: parseWireFloat(lvl.Px), Size: parseWireFloat(lvl.Sz)})
		}
	}
	return book
}

// parseMids converts the /info "allMids" string map into floats.
func parseMids(raw map[string]string) map[string]float64 {
	mids := make(map[string]float64, len(raw))
	for sym, px := range raw {
		// Internal aggregate keys are prefixed with "@".
		if strings.HasPrefix(sym, "@") {
			continue
		}
		mids[sym] = parseWireFloat(px)
	}
	return mids
}

func parseWireFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// interval durations accepted by the candle endpoint, used to window
// candleSnapshot requests.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// intervalDuration returns the bar length for a venue interval string,
// defaulting to 15m for unknown values.
func intervalDuration(interval string) time.Duration {
	if d, ok := intervalDurations[interval]; ok {
		return d
	}
	return 15 * time.Minute
}
