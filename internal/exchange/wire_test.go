package exchange

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseOrderStatusesFilled(t *testing.T) {
	t.Parallel()
	resp := &exchangeResponse{
		Status:   "ok",
		Response: json.RawMessage(`{"type":"order","data":{"statuses":[{"filled":{"totalSz":"0.5","avgPx":"49123.5","oid":42}}]}}`),
	}

	statuses, err := parseOrderStatuses(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Filled == nil {
		t.Fatalf("statuses = %+v, want one filled", statuses)
	}
	f := statuses[0].Filled
	if f.OID != 42 || f.TotalSz != "0.5" || f.AvgPx != "49123.5" {
		t.Errorf("filled = %+v", f)
	}
}

func TestParseOrderStatusesVenueRejection(t *testing.T) {
	t.Parallel()
	resp := &exchangeResponse{
		Status:   "err",
		Response: json.RawMessage(`"User or API Wallet 0xabc does not exist."`),
	}

	_, err := parseOrderStatuses(resp)
	if err == nil {
		t.Fatal("want error for status err")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("err = %v, want venue message surfaced", err)
	}
}

func TestParseOrderStatusesEmpty(t *testing.T) {
	t.Parallel()
	resp := &exchangeResponse{
		Status:   "ok",
		Response: json.RawMessage(`{"type":"order","data":{"statuses":[]}}`),
	}

	if _, err := parseOrderStatuses(resp); err == nil {
		t.Fatal("want error for empty statuses")
	}
}

func TestParseMidsSkipsAggregates(t *testing.T) {
	t.Parallel()
	mids := parseMids(map[string]string{
		"BTC":  "50000.5",
		"ETH":  "3000",
		"@107": "12.5",
	})

	if len(mids) != 2 {
		t.Fatalf("len = %d, want 2", len(mids))
	}
	if mids["BTC"] != 50000.5 || mids["ETH"] != 3000 {
		t.Errorf("mids = %v", mids)
	}
	if _, ok := mids["@107"]; ok {
		t.Error("aggregate key leaked through")
	}
}

func TestL2ResponseSplitsSides(t *testing.T) {
	t.Parallel()
	var resp l2Response
	raw := `{"coin":"BTC","time":1700000000000,"levels":[[{"px":"49999","sz":"2","n":3}],[{"px":"50001","sz":"1.5","n":2}]]}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}

	book := resp.toBook("BTC")
	if len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("bids/asks = %d/%d, want 1/1", len(book.Bids), len(book.Asks))
	}
	if book.Bids[0].Price != 49999 || book.Bids[0].Size != 2 {
		t.Errorf("bid = %+v", book.Bids[0])
	}
	if book.Asks[0].Price != 50001 || book.Asks[0].Size != 1.5 {
		t.Errorf("ask = %+v", book.Asks[0])
	}
	if book.Timestamp != time.UnixMilli(1700000000000) {
		t.Errorf("timestamp = %v", book.Timestamp)
	}
}

func TestL2ResponseZeroTimeFallsBackToNow(t *testing.T) {
	t.Parallel()
	book := (&l2Response{}).toBook("ETH")
	if time.Since(book.Timestamp) > time.Second {
		t.Errorf("timestamp = %v, want roughly now", book.Timestamp)
	}
}

func TestWireOrderEncoding(t *testing.T) {
	t.Parallel()
	action := orderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset:      3,
			IsBuy:      true,
			Price:      "50000",
			Size:       "0.01",
			ReduceOnly: false,
			Type:       wireOrderType{Limit: wireLimit{Tif: "Ioc"}},
		}},
		Grouping: "na",
	}

	raw, err := json.Marshal(action)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"order","orders":[{"a":3,"b":true,"p":"50000","s":"0.01","r":false,"t":{"limit":{"tif":"Ioc"}}}],"grouping":"na"}`
	if string(raw) != want {
		t.Errorf("encoded action:\n got %s\nwant %s", raw, want)
	}
}

func TestIntervalDuration(t *testing.T) {
	t.Parallel()
	if d := intervalDuration("1h"); d != time.Hour {
		t.Errorf("1h = %v", d)
	}
	if d := intervalDuration("bogus"); d != 15*time.Minute {
		t.Errorf("unknown interval = %v, want 15m default", d)
	}
}
