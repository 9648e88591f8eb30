package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"hyperliquid-trader/internal/breaker"
	"hyperliquid-trader/internal/bus"
	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/internal/exchange"
	"hyperliquid-trader/internal/recovery"
	"hyperliquid-trader/pkg/types"
)

// recentTradeLimit caps the trade list on /api/portfolio.
const recentTradeLimit = 20

// ExecutionEngine is the engine surface the operator API drives.
type ExecutionEngine interface {
	Portfolio(ctx context.Context) (*types.Portfolio, error)
	RecentTrades(limit int) []types.Trade
	RealizedPnL() float64
	AntiChurnStats() map[string]types.OrderStats
	EmergencyStop(ctx context.Context, reason string) (cancelled, closed int)
}

// PipelineStatus exposes the orchestrator's health verdict.
type PipelineStatus interface {
	HealthStatus() types.HealthStatus
	ConsecutiveErrors() int
}

// RecoveryService is the position-recovery monitor surface.
type RecoveryService interface {
	Snapshot() recovery.Stats
	RecoverPosition(ctx context.Context, symbol string, side types.PositionSide, action recovery.Action) error
}

// VenueStatus reports venue client metadata for health and portfolio views.
type VenueStatus interface {
	Environment() types.Environment
	CacheStats() exchange.CacheStats
}

// TradeReader serves persisted trade history. Optional: with no store the
// portfolio endpoint falls back to the engine's session tallies.
type TradeReader interface {
	RecentTrades(ctx context.Context, limit int) ([]types.Trade, error)
	RealizedPnL(ctx context.Context) (float64, error)
}

// Deps wires the API to the platform. Nil fields degrade the corresponding
// endpoints to empty payloads instead of failing the server.
type Deps struct {
	Engine   ExecutionEngine
	Pipeline PipelineStatus
	Breakers *breaker.Registry
	Recovery RecoveryService
	Venue    VenueStatus
	Bus      *bus.Bus
	Trades   TradeReader
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg    config.DashboardConfig
	deps   Deps
	hub    *Hub
	logger *slog.Logger
}

func NewHandlers(cfg config.DashboardConfig, deps Deps, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		deps:   deps,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do but note it.
		slog.Default().Warn("api response encode failed", "error", err)
	}
}

// handleHealth reports the aggregate process verdict.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.healthPayload())
}

func (h *Handlers) healthPayload() healthResponse {
	resp := healthResponse{
		Status:    types.HealthHealthy,
		Timestamp: time.Now().UTC(),
	}
	if h.deps.Pipeline != nil {
		resp.Status = h.deps.Pipeline.HealthStatus()
		resp.Summary.ConsecutiveErrors = h.deps.Pipeline.ConsecutiveErrors()
	}
	if h.deps.Breakers != nil {
		for _, st := range h.deps.Breakers.Snapshot() {
			resp.Summary.Breakers++
			if st.State == breaker.Open {
				resp.Summary.BreakersOpen++
			}
		}
	}
	if h.deps.Bus != nil {
		s := h.deps.Bus.Snapshot()
		resp.MessageBus = busStatus{
			Connected:     s.Connected,
			Subscriptions: s.Subscriptions,
			Mode:          s.Mode,
			Dropped:       s.Dropped,
		}
	}
	if h.deps.Venue != nil {
		resp.Cache = cacheStatus{Connected: true, CacheStats: h.deps.Venue.CacheStats()}
		resp.Environment = h.deps.Venue.Environment()
	}
	return resp
}

// handleBreakers lists every registered breaker, sorted by name.
func (h *Handlers) handleBreakers(w http.ResponseWriter, r *http.Request) {
	resp := breakersResponse{Breakers: []breaker.Status{}}
	if h.deps.Breakers != nil {
		resp.Breakers = h.deps.Breakers.Snapshot()
		sort.Slice(resp.Breakers, func(i, j int) bool {
			return resp.Breakers[i].Name < resp.Breakers[j].Name
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBreakerReset forces one breaker CLOSED. Unknown names 404 so a typo
// cannot mint a fresh breaker.
func (h *Handlers) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.deps.Breakers == nil {
		writeJSON(w, http.StatusServiceUnavailable, actionResponse{Message: "breaker registry unavailable"})
		return
	}
	known := false
	for _, st := range h.deps.Breakers.Snapshot() {
		if st.Name == name {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusNotFound, actionResponse{Message: "unknown breaker: " + name})
		return
	}
	h.deps.Breakers.Reset(name)
	h.logger.Info("breaker reset by operator", "breaker", name)
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "breaker " + name + " reset"})
}

// handleRecoveryStatus reports the recovery monitor's counters and the
// currently tracked issues.
func (h *Handlers) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recovery == nil {
		writeJSON(w, http.StatusOK, recovery.Stats{ActiveIssues: []recovery.Issue{}, Attempts: map[string]int{}})
		return
	}
	stats := h.deps.Recovery.Snapshot()
	if stats.ActiveIssues == nil {
		stats.ActiveIssues = []recovery.Issue{}
	}
	if stats.Attempts == nil {
		stats.Attempts = map[string]int{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRecover runs one manual recovery action.
func (h *Handlers) handleRecover(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recovery == nil {
		writeJSON(w, http.StatusServiceUnavailable, actionResponse{Message: "recovery monitor unavailable"})
		return
	}

	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, actionResponse{Message: "invalid request body: " + err.Error()})
		return
	}
	if req.Symbol == "" {
		writeJSON(w, http.StatusBadRequest, actionResponse{Message: "symbol is required"})
		return
	}
	side := types.PositionSide(strings.ToUpper(req.Side))
	if side != types.LONG && side != types.SHORT {
		writeJSON(w, http.StatusBadRequest, actionResponse{Message: "side must be LONG or SHORT"})
		return
	}
	action := recovery.Action(strings.ToUpper(req.Action))

	if err := h.deps.Recovery.RecoverPosition(r.Context(), req.Symbol, side, action); err != nil {
		h.logger.Warn("manual recovery failed", "symbol", req.Symbol, "side", side, "error", err)
		writeJSON(w, http.StatusOK, actionResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{
		Success: true,
		Message: "recovery action executed for " + req.Symbol,
	})
}

// handleEmergencyStop cancels all orders and closes all positions. The
// engine publishes the EMERGENCY_STOP error event itself.
func (h *Handlers) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, actionResponse{Message: "engine unavailable"})
		return
	}
	h.logger.Error("emergency stop requested via api", "remote", r.RemoteAddr)
	cancelled, closed := h.deps.Engine.EmergencyStop(r.Context(), "operator api request")
	writeJSON(w, http.StatusOK, actionResponse{
		Success:   true,
		Message:   "emergency stop executed",
		Cancelled: cancelled,
		Closed:    closed,
	})
}

// handlePortfolio reports the account snapshot, trade history, and realized
// PnL. Read-only: venue or store failures degrade to empty payloads.
func (h *Handlers) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	resp := portfolioResponse{
		Positions:    []types.Position{},
		RecentTrades: []types.Trade{},
	}
	if h.deps.Venue != nil {
		resp.Environment = h.deps.Venue.Environment()
	}
	if h.deps.Engine != nil {
		if p, err := h.deps.Engine.Portfolio(r.Context()); err == nil {
			resp.Portfolio = p
			if p.Positions != nil {
				resp.Positions = p.Positions
			}
		} else {
			h.logger.Warn("portfolio fetch failed", "error", err)
		}
	}

	if h.deps.Trades != nil {
		if pnl, err := h.deps.Trades.RealizedPnL(r.Context()); err == nil {
			resp.RealizedPnL = pnl
		} else {
			h.logger.Warn("realized pnl query failed", "error", err)
		}
		if trades, err := h.deps.Trades.RecentTrades(r.Context(), recentTradeLimit); err == nil {
			resp.RecentTrades = trades
		} else {
			h.logger.Warn("recent trades query failed", "error", err)
		}
	} else if h.deps.Engine != nil {
		resp.RealizedPnL = h.deps.Engine.RealizedPnL()
		if trades := h.deps.Engine.RecentTrades(recentTradeLimit); trades != nil {
			resp.RecentTrades = trades
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleOrderStats reports per-symbol order placement accounting.
func (h *Handlers) handleOrderStats(w http.ResponseWriter, r *http.Request) {
	resp := orderStatsResponse{Stats: map[string]types.OrderStats{}}
	if h.deps.Engine != nil {
		if stats := h.deps.Engine.AntiChurnStats(); stats != nil {
			resp.Stats = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWebSocket upgrades the connection and sends the status snapshot as
// a hello before the bus re-broadcast takes over.
func (h *Handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	hello := DashboardEvent{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Data:      h.snapshot(),
	}
	data, err := json.Marshal(hello)
	if err != nil {
		h.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client backlogged")
	}
}

// isOriginAllowed gates WebSocket upgrades. With no allowlist configured,
// same-host and loopback origins pass; an allowlist replaces that with
// exact matching.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
