package api

import (
	"sort"

	"hyperliquid-trader/internal/breaker"
)

// snapshot aggregates the current platform status: the health payload plus
// the full breaker list. Sent to fresh WebSocket clients and broadcast on
// the poll tick so dashboards converge without calling the REST endpoints.
func (h *Handlers) snapshot() statusSnapshot {
	snap := statusSnapshot{
		Health:   h.healthPayload(),
		Breakers: []breaker.Status{},
	}
	if h.deps.Breakers != nil {
		snap.Breakers = h.deps.Breakers.Snapshot()
		sort.Slice(snap.Breakers, func(i, j int) bool {
			return snap.Breakers[i].Name < snap.Breakers[j].Name
		})
	}
	return snap
}
