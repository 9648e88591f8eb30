package api

import (
	"encoding/json"

	"hyperliquid-trader/internal/bus"
)

// streamedChannels are the bus channels re-broadcast to WebSocket clients.
// Everything a dashboard renders live: cycle lifecycle, fills, position
// flow, breaker transitions, and operator-grade errors.
var streamedChannels = []bus.Channel{
	bus.CycleStart,
	bus.CycleComplete,
	bus.CycleError,
	bus.ExecutionFilled,
	bus.ExecutionFailed,
	bus.PositionOpened,
	bus.PositionClosed,
	bus.CircuitBreakerOpen,
	bus.CircuitBreakerClosed,
	bus.Error,
}

// bridgeBus subscribes the hub to the streamed channels. Payloads pass
// through untouched; the channel name becomes the event type.
func bridgeBus(b *bus.Bus, hub *Hub) {
	if b == nil {
		return
	}
	for _, ch := range streamedChannels {
		ch := ch
		b.Subscribe(ch, func(msg bus.Message) {
			hub.BroadcastEvent(DashboardEvent{
				Type:      string(ch),
				Timestamp: msg.Timestamp,
				Data:      json.RawMessage(msg.Data),
			})
		})
	}
}
