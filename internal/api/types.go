package api

import (
	"time"

	"hyperliquid-trader/internal/breaker"
	"hyperliquid-trader/internal/exchange"
	"hyperliquid-trader/pkg/types"
)

// DashboardEvent is the envelope for everything pushed to WebSocket clients:
// re-broadcast bus messages and the initial status snapshot.
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// healthSummary condenses the breaker registry and the cycle error streak.
type healthSummary struct {
	Breakers          int `json:"breakers"`
	BreakersOpen      int `json:"breakersOpen"`
	ConsecutiveErrors int `json:"consecutiveErrors"`
}

type busStatus struct {
	Connected     bool   `json:"connected"`
	Subscriptions int    `json:"subscriptions"`
	Mode          string `json:"mode,omitempty"`
	Dropped       int64  `json:"dropped,omitempty"`
}

type cacheStatus struct {
	Connected bool `json:"connected"`
	exchange.CacheStats
}

type healthResponse struct {
	Status      types.HealthStatus `json:"status"`
	Summary     healthSummary      `json:"summary"`
	MessageBus  busStatus          `json:"messageBus"`
	Cache       cacheStatus        `json:"cache"`
	Environment types.Environment  `json:"environment,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

type breakersResponse struct {
	Breakers []breaker.Status `json:"breakers"`
}

type portfolioResponse struct {
	Portfolio    *types.Portfolio  `json:"portfolio"`
	Positions    []types.Position  `json:"positions"`
	RealizedPnL  float64           `json:"realizedPnL"`
	RecentTrades []types.Trade     `json:"recentTrades"`
	Environment  types.Environment `json:"environment"`
}

type orderStatsResponse struct {
	Stats map[string]types.OrderStats `json:"stats"`
}

type recoverRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Action string `json:"action,omitempty"` // CLOSE (default) or REDUCE
}

// actionResponse answers every operator POST: breaker resets, manual
// recovery, emergency stop.
type actionResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Cancelled int    `json:"cancelled,omitempty"`
	Closed    int    `json:"closed,omitempty"`
}

// statusSnapshot is the hello payload a fresh WebSocket client receives.
type statusSnapshot struct {
	Health   healthResponse   `json:"health"`
	Breakers []breaker.Status `json:"breakers"`
}
