package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hyperliquid-trader/internal/breaker"
	"hyperliquid-trader/internal/bus"
	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/internal/exchange"
	"hyperliquid-trader/internal/recovery"
	"hyperliquid-trader/pkg/types"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:3001",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:3001",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:3001",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:3001",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:3001",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:3001",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://trader.internal:3001",
			cfg:     config.DashboardConfig{},
			reqHost: "trader.internal:3001",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

// ————————————————————————————————————————————————————————————————————————
// Endpoint fakes
// ————————————————————————————————————————————————————————————————————————

type fakePipeline struct {
	status types.HealthStatus
	streak int
}

func (p *fakePipeline) HealthStatus() types.HealthStatus { return p.status }
func (p *fakePipeline) ConsecutiveErrors() int           { return p.streak }

type fakeEngine struct {
	mu        sync.Mutex
	portfolio *types.Portfolio
	portErr   error
	trades    []types.Trade
	pnl       float64
	stats     map[string]types.OrderStats
	cancelled int
	closed    int
	stops     []string
}

func (e *fakeEngine) Portfolio(context.Context) (*types.Portfolio, error) {
	if e.portErr != nil {
		return nil, e.portErr
	}
	return e.portfolio, nil
}

func (e *fakeEngine) RecentTrades(limit int) []types.Trade {
	if len(e.trades) > limit {
		return e.trades[:limit]
	}
	return e.trades
}

func (e *fakeEngine) RealizedPnL() float64                        { return e.pnl }
func (e *fakeEngine) AntiChurnStats() map[string]types.OrderStats { return e.stats }

func (e *fakeEngine) EmergencyStop(_ context.Context, reason string) (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, reason)
	return e.cancelled, e.closed
}

func (e *fakeEngine) stopReasons() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stops...)
}

type recoverCall struct {
	symbol string
	side   types.PositionSide
	action recovery.Action
}

type fakeRecovery struct {
	mu    sync.Mutex
	stats recovery.Stats
	err   error
	calls []recoverCall
}

func (f *fakeRecovery) Snapshot() recovery.Stats { return f.stats }

func (f *fakeRecovery) RecoverPosition(_ context.Context, symbol string, side types.PositionSide, action recovery.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recoverCall{symbol: symbol, side: side, action: action})
	return f.err
}

func (f *fakeRecovery) recorded() []recoverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recoverCall(nil), f.calls...)
}

type fakeVenue struct {
	env   types.Environment
	cache exchange.CacheStats
}

func (v *fakeVenue) Environment() types.Environment  { return v.env }
func (v *fakeVenue) CacheStats() exchange.CacheStats { return v.cache }

type fakeTradeStore struct {
	trades []types.Trade
	pnl    float64
	err    error
}

func (f *fakeTradeStore) RecentTrades(_ context.Context, limit int) ([]types.Trade, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.trades) > limit {
		return f.trades[:limit], nil
	}
	return f.trades, nil
}

func (f *fakeTradeStore) RealizedPnL(context.Context) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.pnl, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHandler(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	return NewServer(config.DashboardConfig{Port: 3001}, deps, discardLogger()).Handler()
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Health
// ————————————————————————————————————————————————————————————————————————

func TestHealthReportsPipelineAndBreakers(t *testing.T) {
	t.Parallel()

	reg := breaker.NewRegistry(breaker.Policy{FailureThreshold: 3, OpenFor: time.Minute, HalfOpenProbes: 1}, discardLogger())
	reg.Register("market-data", breaker.Policy{FailureThreshold: 3, OpenFor: time.Minute, HalfOpenProbes: 1})
	reg.ForceOpen("executor")

	b := bus.New(config.BusConfig{}, discardLogger())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("bus connect: %v", err)
	}
	t.Cleanup(b.Disconnect)

	h := testHandler(t, Deps{
		Pipeline: &fakePipeline{status: types.HealthDegraded, streak: 2},
		Breakers: reg,
		Bus:      b,
		Venue:    &fakeVenue{env: types.EnvTestnet, cache: exchange.CacheStats{MidsFresh: true}},
	})

	rr := serve(t, h, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	resp := decode[healthResponse](t, rr)
	if resp.Status != types.HealthDegraded {
		t.Fatalf("status = %s, want DEGRADED", resp.Status)
	}
	if resp.Summary.Breakers != 2 || resp.Summary.BreakersOpen != 1 {
		t.Fatalf("summary = %+v, want 2 breakers with 1 open", resp.Summary)
	}
	if resp.Summary.ConsecutiveErrors != 2 {
		t.Fatalf("consecutiveErrors = %d, want 2", resp.Summary.ConsecutiveErrors)
	}
	if !resp.MessageBus.Connected {
		t.Fatal("messageBus.connected = false, want true")
	}
	if resp.MessageBus.Mode != "local" {
		t.Fatalf("messageBus.mode = %q, want local", resp.MessageBus.Mode)
	}
	if !resp.Cache.Connected || !resp.Cache.MidsFresh {
		t.Fatalf("cache = %+v, want connected with fresh mids", resp.Cache)
	}
	if resp.Environment != types.EnvTestnet {
		t.Fatalf("environment = %s, want TESTNET", resp.Environment)
	}
}

func TestHealthDefaultsWithoutDeps(t *testing.T) {
	t.Parallel()

	h := testHandler(t, Deps{})
	rr := serve(t, h, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	resp := decode[healthResponse](t, rr)
	if resp.Status != types.HealthHealthy {
		t.Fatalf("status = %s, want HEALTHY when nothing is wired", resp.Status)
	}
}

func TestHealthRejectsWrongMethod(t *testing.T) {
	t.Parallel()

	h := testHandler(t, Deps{})
	rr := serve(t, h, http.MethodPost, "/api/health", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Circuit breakers
// ————————————————————————————————————————————————————————————————————————

func TestBreakerListAndReset(t *testing.T) {
	t.Parallel()

	reg := breaker.NewRegistry(breaker.DefaultPolicy, discardLogger())
	reg.ForceOpen("executor")
	reg.Register("market-data", breaker.DefaultPolicy)

	h := testHandler(t, Deps{Breakers: reg})

	rr := serve(t, h, http.MethodGet, "/api/circuit-breakers", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rr.Code)
	}
	list := decode[breakersResponse](t, rr)
	if len(list.Breakers) != 2 {
		t.Fatalf("got %d breakers, want 2", len(list.Breakers))
	}
	// Sorted by name, so executor precedes market-data.
	if list.Breakers[0].Name != "executor" || list.Breakers[0].State != breaker.Open {
		t.Fatalf("first breaker = %+v, want executor OPEN", list.Breakers[0])
	}

	rr = serve(t, h, http.MethodPost, "/api/circuit-breakers/executor/reset", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", rr.Code)
	}
	act := decode[actionResponse](t, rr)
	if !act.Success {
		t.Fatalf("reset response = %+v, want success", act)
	}
	if reg.IsOpen("executor") {
		t.Fatal("executor breaker still open after reset")
	}
}

func TestBreakerResetUnknownNameIs404(t *testing.T) {
	t.Parallel()

	reg := breaker.NewRegistry(breaker.DefaultPolicy, discardLogger())
	reg.Register("executor", breaker.DefaultPolicy)

	h := testHandler(t, Deps{Breakers: reg})
	rr := serve(t, h, http.MethodPost, "/api/circuit-breakers/exceutor/reset", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown breaker", rr.Code)
	}
	// The typo must not have minted a breaker.
	if got := len(reg.Snapshot()); got != 1 {
		t.Fatalf("registry grew to %d breakers, want 1", got)
	}
}

func TestBreakerResetWithoutRegistry(t *testing.T) {
	t.Parallel()

	h := testHandler(t, Deps{})
	rr := serve(t, h, http.MethodPost, "/api/circuit-breakers/executor/reset", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

func TestPortfolioDegradesToEmptyPayload(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{portErr: errors.New("venue unreachable"), pnl: 42.5}
	h := testHandler(t, Deps{Engine: eng, Venue: &fakeVenue{env: types.EnvLive}})

	rr := serve(t, h, http.MethodGet, "/api/portfolio", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when the venue is down", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"positions":[]`) || !strings.Contains(body, `"recentTrades":[]`) {
		t.Fatalf("degraded payload must carry empty arrays, got %s", body)
	}

	resp := decode[portfolioResponse](t, rr)
	if resp.Portfolio != nil {
		t.Fatalf("portfolio = %+v, want null", resp.Portfolio)
	}
	if resp.RealizedPnL != 42.5 {
		t.Fatalf("realizedPnL = %v, want session fallback 42.5", resp.RealizedPnL)
	}
	if resp.Environment != types.EnvLive {
		t.Fatalf("environment = %s, want LIVE", resp.Environment)
	}
}

func TestPortfolioPrefersTradeStore(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		portfolio: &types.Portfolio{
			AccountValue: 10_000,
			Positions:    []types.Position{{Symbol: "BTC", Side: types.LONG, Size: 0.5, EntryPrice: 60_000}},
		},
		pnl: 10, // session fallback must lose to the store
	}
	store := &fakeTradeStore{
		pnl: 99,
		trades: []types.Trade{
			{ID: "t1", Symbol: "BTC", PnL: 55},
			{ID: "t2", Symbol: "ETH", PnL: 44},
		},
	}

	h := testHandler(t, Deps{Engine: eng, Trades: store, Venue: &fakeVenue{env: types.EnvTestnet}})
	rr := serve(t, h, http.MethodGet, "/api/portfolio", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	resp := decode[portfolioResponse](t, rr)
	if resp.Portfolio == nil || resp.Portfolio.AccountValue != 10_000 {
		t.Fatalf("portfolio = %+v, want account value 10000", resp.Portfolio)
	}
	if len(resp.Positions) != 1 || resp.Positions[0].Symbol != "BTC" {
		t.Fatalf("positions = %+v, want the BTC position", resp.Positions)
	}
	if resp.RealizedPnL != 99 {
		t.Fatalf("realizedPnL = %v, want 99 from the trade store", resp.RealizedPnL)
	}
	if len(resp.RecentTrades) != 2 {
		t.Fatalf("got %d trades, want 2", len(resp.RecentTrades))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Position recovery
// ————————————————————————————————————————————————————————————————————————

func TestRecoveryStatusDefaultsToEmptyCollections(t *testing.T) {
	t.Parallel()

	h := testHandler(t, Deps{})
	rr := serve(t, h, http.MethodGet, "/api/position-recovery", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"activeIssues":[]`) || !strings.Contains(body, `"attempts":{}`) {
		t.Fatalf("empty stats must serialize as empty collections, got %s", body)
	}
}

func TestRecoverRequestValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing symbol", `{"side":"LONG"}`},
		{"bad side", `{"symbol":"BTC","side":"UP"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &fakeRecovery{}
			h := testHandler(t, Deps{Recovery: rec})
			rr := serve(t, h, http.MethodPost, "/api/position-recovery/recover", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if calls := rec.recorded(); len(calls) != 0 {
				t.Fatalf("invalid request reached the monitor: %+v", calls)
			}
		})
	}
}

func TestRecoverNormalizesSideAndAction(t *testing.T) {
	t.Parallel()

	rec := &fakeRecovery{}
	h := testHandler(t, Deps{Recovery: rec})

	rr := serve(t, h, http.MethodPost, "/api/position-recovery/recover",
		`{"symbol":"BTC","side":"long","action":"reduce"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	act := decode[actionResponse](t, rr)
	if !act.Success {
		t.Fatalf("response = %+v, want success", act)
	}

	calls := rec.recorded()
	if len(calls) != 1 {
		t.Fatalf("got %d recovery calls, want 1", len(calls))
	}
	if calls[0].symbol != "BTC" || calls[0].side != types.LONG || calls[0].action != recovery.ActionReduce {
		t.Fatalf("call = %+v, want BTC LONG REDUCE", calls[0])
	}
}

func TestRecoverReportsMonitorFailure(t *testing.T) {
	t.Parallel()

	rec := &fakeRecovery{err: errors.New("no BTC LONG position held")}
	h := testHandler(t, Deps{Recovery: rec})

	rr := serve(t, h, http.MethodPost, "/api/position-recovery/recover",
		`{"symbol":"BTC","side":"LONG"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with success=false", rr.Code)
	}
	act := decode[actionResponse](t, rr)
	if act.Success {
		t.Fatal("success = true, want false when the monitor errors")
	}
	if !strings.Contains(act.Message, "no BTC LONG position held") {
		t.Fatalf("message = %q, want the monitor error", act.Message)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Emergency stop and order stats
// ————————————————————————————————————————————————————————————————————————

func TestEmergencyStop(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{cancelled: 3, closed: 2}
	h := testHandler(t, Deps{Engine: eng})

	rr := serve(t, h, http.MethodPost, "/api/emergency-stop", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	act := decode[actionResponse](t, rr)
	if !act.Success || act.Cancelled != 3 || act.Closed != 2 {
		t.Fatalf("response = %+v, want success with 3 cancelled / 2 closed", act)
	}
	if reasons := eng.stopReasons(); len(reasons) != 1 || !strings.Contains(reasons[0], "operator") {
		t.Fatalf("stop reasons = %v, want one operator-attributed stop", reasons)
	}
}

func TestEmergencyStopWithoutEngine(t *testing.T) {
	t.Parallel()

	h := testHandler(t, Deps{})
	rr := serve(t, h, http.MethodPost, "/api/emergency-stop", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestOrderStats(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{stats: map[string]types.OrderStats{
		"BTC": {Submitted: 4, Filled: 3, Failed: 1},
	}}
	h := testHandler(t, Deps{Engine: eng})

	rr := serve(t, h, http.MethodGet, "/api/orders/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	resp := decode[orderStatsResponse](t, rr)
	if got := resp.Stats["BTC"]; got.Submitted != 4 || got.Filled != 3 {
		t.Fatalf("BTC stats = %+v, want 4 submitted / 3 filled", got)
	}
}

func TestOrderStatsWithoutEngine(t *testing.T) {
	t.Parallel()

	h := testHandler(t, Deps{})
	rr := serve(t, h, http.MethodGet, "/api/orders/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"stats":{}`) {
		t.Fatalf("stats must default to an empty map, got %s", rr.Body.String())
	}
}
