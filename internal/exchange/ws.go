// ws.go implements the venue websocket mid-price feed.
//
// The feed subscribes to the allMids stream and pushes every tick into the
// client's mid cache, so the hot read path almost never touches REST. It
// auto-reconnects with exponential backoff (1s -> 30s max) and resubscribes
// on reconnection. A read deadline catches silent server failures within ~2
// missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second // how often we send ping to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// MidsFunc receives each parsed mid-price tick.
type MidsFunc func(mids map[string]float64)

// MidsFeed maintains the allMids websocket subscription and forwards ticks
// to the consumer, normally Client.UpdateMids.
type MidsFeed struct {
	url    string
	onMids MidsFunc
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewMidsFeed builds a feed. onMids is called from the read loop; it must
// not block.
func NewMidsFeed(wsURL string, onMids MidsFunc, logger *slog.Logger) *MidsFeed {
	return &MidsFeed{
		url:    wsURL,
		onMids: onMids,
		logger: logger.With("component", "ws_mids"),
	}
}

// Run connects and maintains the subscription with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *MidsFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *MidsFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// wsRequest is the venue's subscribe envelope.
type wsRequest struct {
	Method       string         `json:"method"`
	Subscription wsSubscription `json:"subscription"`
}

type wsSubscription struct {
	Type string `json:"type"`
}

// wsEnvelope wraps every inbound message; Channel routes it.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsAllMids struct {
	Mids map[string]string `json:"mids"`
}

func (f *MidsFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	sub := wsRequest{Method: "subscribe", Subscription: wsSubscription{Type: "allMids"}}
	if err := f.writeJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "stream", "allMids")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *MidsFeed) dispatchMessage(data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Channel {
	case "allMids":
		var payload wsAllMids
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			f.logger.Error("unmarshal allMids", "error", err)
			return
		}
		if mids := parseMids(payload.Mids); len(mids) > 0 {
			f.onMids(mids)
		}

	case "subscriptionResponse", "pong":
		// Acknowledgements we don't need to process.

	default:
		f.logger.Debug("unknown ws channel", "channel", envelope.Channel)
	}
}

func (f *MidsFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]string{"method": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *MidsFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
