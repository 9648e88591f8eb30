// Package bus is the process-wide pub/sub substrate.
//
// Channels are named topics carrying opaque JSON payloads. With a Redis
// address configured the bus publishes through the broker so external
// producers (news service, scanners) and other processes see the same
// stream; when the broker is unreachable it degrades to process-local
// dispatch and keeps retrying in the background. Without a broker it runs
// purely process-local.
//
// Delivery contract: at-least-once while connected, best-effort when
// degraded — handlers must tolerate repeats. Publishing never blocks the
// caller beyond the client's write timeout; subscriber handlers run on a
// bounded worker pool with per-subscription FIFO ordering, so a slow
// handler on one channel cannot starve another.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/alitto/pond"
	"github.com/redis/go-redis/v9"

	"hyperliquid-trader/internal/config"
)

// Message is the envelope every channel carries. Data is the
// channel-specific payload; Timestamp is always present.
type Message struct {
	Channel   Channel         `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v. A failed decode means the publisher
// sent a shape this subscriber does not understand; callers drop the message.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Handler consumes one message. Handlers must be side-effect-tolerant to
// repeated delivery.
type Handler func(msg Message)

// Stats is the introspection snapshot served by /api/health.
type Stats struct {
	Mode          string `json:"mode"` // "redis" or "local"
	Connected     bool   `json:"connected"`
	BrokerUp      bool   `json:"brokerUp"`
	Subscriptions int    `json:"subscriptions"`
	Published     int64  `json:"published"`
	Delivered     int64  `json:"delivered"`
	Dropped       int64  `json:"dropped"`
}

type subscription struct {
	channel  Channel
	handler  Handler
	queue    chan Message
	draining atomic.Bool
}

// Bus routes messages between publishers and subscribers.
type Bus struct {
	cfg    config.BusConfig
	logger *slog.Logger
	pool   *pond.WorkerPool

	mu        sync.RWMutex
	subs      map[Channel][]*subscription
	pubsub    *redis.PubSub
	connected bool
	closed    bool

	rdb      *redis.Client
	brokerUp atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// New builds a bus. Call Connect before publishing.
func New(cfg config.BusConfig, logger *slog.Logger) *Bus {
	workers := cfg.PoolWorkers
	if workers <= 0 {
		workers = 8
	}
	queueSize := cfg.PoolQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		cfg:    cfg,
		logger: logger.With("component", "bus"),
		pool:   pond.New(workers, queueSize, pond.MinWorkers(1)),
		subs:   make(map[Channel][]*subscription),
	}
}

// Connect brings the bus up. Idempotent. With no Redis address configured
// the bus runs process-local; otherwise a background session keeps the
// broker connection alive and falls back to local dispatch while it is down.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.connected = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	if b.cfg.RedisAddr == "" {
		b.logger.Info("event bus up", "mode", "local")
		return nil
	}

	b.rdb = redis.NewClient(&redis.Options{
		Addr:         b.cfg.RedisAddr,
		Password:     b.cfg.RedisPassword,
		DB:           b.cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	b.wg.Add(1)
	go b.runBroker()

	b.logger.Info("event bus up", "mode", "redis", "addr", b.cfg.RedisAddr)
	return nil
}

// Disconnect tears the bus down and waits for in-flight handlers. Idempotent.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	if !b.connected || b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.connected = false
	cancel := b.cancel
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	b.wg.Wait()
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	b.pool.StopAndWait()
	b.logger.Info("event bus down")
}

// Subscribe registers a handler for a channel. Messages published before the
// subscription are not replayed.
func (b *Bus) Subscribe(channel Channel, handler Handler) {
	sub := &subscription{
		channel: channel,
		handler: handler,
		queue:   make(chan Message, 64),
	}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	pubsub := b.pubsub
	b.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Subscribe(b.ctx, string(channel)); err != nil {
			b.logger.Warn("broker subscribe failed", "channel", channel, "error", err)
		}
	}
}

// Publish sends a payload on a channel. Fire-and-forget: marshal or broker
// errors are logged, local fallback delivery is attempted, and the caller
// is never blocked beyond the client write timeout.
func (b *Bus) Publish(channel Channel, payload any) {
	b.mu.RLock()
	up := b.connected && !b.closed
	b.mu.RUnlock()
	if !up {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("publish marshal failed", "channel", channel, "error", err)
		return
	}
	msg := Message{Channel: channel, Data: data, Timestamp: time.Now().UTC()}
	b.published.Add(1)

	if b.brokerUp.Load() {
		raw, err := json.Marshal(msg)
		if err == nil {
			if err = b.rdb.Publish(b.ctx, string(channel), raw).Err(); err == nil {
				return
			}
		}
		b.logger.Warn("broker publish failed, delivering locally", "channel", channel, "error", err)
		b.brokerUp.Store(false)
	}

	b.dispatchLocal(msg)
}

// Connected reports whether the bus is operational (broker or local mode).
func (b *Bus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && !b.closed
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Snapshot returns bus statistics.
func (b *Bus) Snapshot() Stats {
	mode := "local"
	if b.cfg.RedisAddr != "" {
		mode = "redis"
	}
	return Stats{
		Mode:          mode,
		Connected:     b.Connected(),
		BrokerUp:      b.brokerUp.Load(),
		Subscriptions: b.SubscriptionCount(),
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Broker session
// ————————————————————————————————————————————————————————————————————————

// runBroker keeps one subscription session against Redis alive, degrading
// to local dispatch between sessions. Backoff doubles up to 30s.
func (b *Bus) runBroker() {
	defer b.wg.Done()

	backoff := time.Second
	for {
		if b.ctx.Err() != nil {
			return
		}

		err := b.brokerSession()
		b.brokerUp.Store(false)
		if b.ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Warn("broker session ended, running degraded", "error", err, "retryIn", backoff)
		}

		select {
		case <-b.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (b *Bus) brokerSession() error {
	if err := b.rdb.Ping(b.ctx).Err(); err != nil {
		return err
	}

	// Subscribe to every channel that currently has local handlers; later
	// Subscribe calls add to the live pubsub.
	b.mu.Lock()
	names := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		names = append(names, string(ch))
	}
	pubsub := b.rdb.Subscribe(b.ctx, names...)
	b.pubsub = pubsub
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.pubsub = nil
		b.mu.Unlock()
		_ = pubsub.Close()
	}()

	b.brokerUp.Store(true)
	b.logger.Info("broker connected", "channels", len(names))

	for {
		m, err := pubsub.ReceiveMessage(b.ctx)
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil || msg.Channel == "" {
			// Foreign producer without the envelope: wrap the raw payload.
			msg = Message{
				Channel:   Channel(m.Channel),
				Data:      json.RawMessage(m.Payload),
				Timestamp: time.Now().UTC(),
			}
		}
		b.dispatchLocal(msg)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Local dispatch
// ————————————————————————————————————————————————————————————————————————

func (b *Bus) dispatchLocal(msg Message) {
	b.mu.RLock()
	subs := b.subs[msg.Channel]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.enqueue(sub, msg)
	}
}

// enqueue appends to the subscription's FIFO queue without ever blocking
// the publisher; a full queue drops the message and counts it.
func (b *Bus) enqueue(sub *subscription, msg Message) {
	select {
	case sub.queue <- msg:
	default:
		b.dropped.Add(1)
		b.logger.Warn("subscriber queue full, message dropped", "channel", msg.Channel)
		return
	}

	if sub.draining.CompareAndSwap(false, true) {
		if !b.pool.TrySubmit(func() { b.drain(sub) }) {
			// Pool saturated; the next enqueue retriggers the drain.
			sub.draining.Store(false)
		}
	}
}

// drain runs queued messages for one subscription in order. Only one drain
// per subscription runs at a time, which is what preserves per-channel FIFO.
func (b *Bus) drain(sub *subscription) {
	for {
		select {
		case msg := <-sub.queue:
			b.handle(sub, msg)
		default:
			sub.draining.Store(false)
			// A message may land between the empty check and the flag store;
			// re-acquire and keep draining if so.
			if len(sub.queue) == 0 || !sub.draining.CompareAndSwap(false, true) {
				return
			}
		}
	}
}

func (b *Bus) handle(sub *subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "channel", sub.channel, "panic", r)
		}
	}()
	sub.handler(msg)
	b.delivered.Add(1)
}
