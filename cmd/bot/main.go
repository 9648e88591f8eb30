// Hyperliquid Trader — an autonomous trading platform for Hyperliquid
// perpetual futures.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires components, runs until SIGINT/SIGTERM
//	orchestrator/            — the trading cycle: market data → pattern recall → ideation → backtest → selection → risk gate → execution → learning
//	strategy/                — indicators, regime classification, idea rules, replay scoring, pattern fingerprints
//	engine/                  — signal admission gates, order execution, managed stop-loss/take-profit exits
//	exchange/                — REST + WebSocket venue client: rate buckets, TTL caches, EIP-712 signing, stale-order watchdog
//	recovery/                — position monitor: detects runaway losses, orphans, overleverage; closes or reduces
//	breaker/                 — named circuit breakers guarding every pipeline stage and the venue
//	bus/                     — pub/sub event bus (in-process, or Redis when configured) feeding the dashboard
//	ledger/                  — overfill accounting for exits that filled beyond the held size
//	store/                   — gorm persistence: trades, cycle traces, pattern insights (sqlite or postgres)
//	api/                     — operator surface: REST endpoints + WebSocket event stream
//
// How it trades:
//
//	Each cycle the orchestrator fetches a candle window, classifies the
//	market regime, recalls how similar setups resolved before, generates
//	rule-based trade ideas, replays each idea over the window, and pushes
//	the best survivor through the risk gate into the execution engine.
//	Filled entries get a managed stop-loss/take-profit plan, and the
//	outcome is written back to pattern memory so later cycles can weigh
//	the setup's track record.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"hyperliquid-trader/internal/api"
	"hyperliquid-trader/internal/breaker"
	"hyperliquid-trader/internal/bus"
	"hyperliquid-trader/internal/config"
	"hyperliquid-trader/internal/engine"
	"hyperliquid-trader/internal/exchange"
	"hyperliquid-trader/internal/ledger"
	"hyperliquid-trader/internal/orchestrator"
	"hyperliquid-trader/internal/recovery"
	"hyperliquid-trader/internal/risk"
	"hyperliquid-trader/internal/store"
	"hyperliquid-trader/internal/strategy"
)

func main() {
	// Secrets come from the environment; a local .env is a convenience, not
	// a requirement.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HL_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("trader exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus first: everything downstream publishes through it.
	b := bus.New(cfg.Bus, logger)
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Disconnect()

	breakers := breaker.NewRegistry(breaker.Policy{
		FailureThreshold: cfg.Trading.BreakerThreshold,
		OpenFor:          cfg.Trading.BreakerOpenFor,
		HalfOpenProbes:   cfg.Trading.BreakerHalfOpenProbe,
	}, logger)
	breakers.OnTransition(func(name string, from, to breaker.State) {
		evt := bus.BreakerEvent{
			Name:      name,
			From:      string(from),
			To:        string(to),
			Timestamp: time.Now().UTC(),
		}
		switch to {
		case breaker.Open:
			b.Publish(bus.CircuitBreakerOpen, evt)
		case breaker.Closed:
			b.Publish(bus.CircuitBreakerClosed, evt)
		}
	})

	led := ledger.New(logger)
	led.OnOverfill(func(entry ledger.Entry, fillQty, fillPx decimal.Decimal) {
		b.Publish(bus.Error, bus.ErrorEvent{
			Type: "OVERFILL",
			Message: fmt.Sprintf("%s %s: fill %s @ %s would exceed order %s (filled %s)",
				entry.Symbol, entry.Side, fillQty, fillPx, entry.OrderQty, entry.FilledQty),
			Source:    "ledger",
			Timestamp: time.Now().UTC(),
		})
	})

	client, err := exchange.NewClient(cfg, led, logger)
	if err != nil {
		return fmt.Errorf("build exchange client: %w", err)
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Initialize(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("initialize exchange client: %w", err)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Register the idea strategies over the configured symbols so the
	// recovery monitor can tell orphaned positions from covered ones.
	symbols := make([]string, 0, len(cfg.Trading.Pairs))
	for _, p := range cfg.Trading.Pairs {
		symbols = append(symbols, p.Symbol)
	}
	for _, kind := range []strategy.IdeaKind{strategy.IdeaTrendFollow, strategy.IdeaMeanRevert, strategy.IdeaBreakout} {
		if err := st.UpsertStrategy(ctx, string(kind), cfg.Strategy, symbols, cfg.Trading.Enabled); err != nil {
			logger.Warn("strategy registry seed failed", "strategy", kind, "error", err)
		}
	}

	safety := risk.NewMonitor(cfg.Execution, logger)
	eng := engine.New(cfg.Execution, client, st, b, safety, logger)
	rec := recovery.NewMonitor(cfg.Recovery, client, st, eng, breakers, b, logger)
	orch := orchestrator.New(cfg.Trading, cfg.Strategy, client, eng, st, breakers, b, logger)
	feed := exchange.NewMidsFeed(cfg.Venue.WSURL, client.UpdateMids, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return client.RunWatchdog(ctx) })
	g.Go(func() error { return eng.RunExitMonitor(ctx) })
	g.Go(func() error { return rec.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })

	if cfg.Dashboard.Enabled {
		apiServer := api.NewServer(cfg.Dashboard, api.Deps{
			Engine:   eng,
			Pipeline: orch,
			Breakers: breakers,
			Recovery: rec,
			Venue:    client,
			Bus:      b,
			Trades:   st,
		}, logger)
		g.Go(func() error { return apiServer.Run(ctx) })
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if !cfg.Trading.Enabled {
		logger.Warn("trading disabled, running dashboard and recovery only")
	}

	logger.Info("hyperliquid trader started",
		"environment", client.Environment(),
		"trading_enabled", cfg.Trading.Enabled,
		"pairs", len(cfg.Trading.Pairs),
		"store", storeBackend(cfg.Store),
		"bus", busMode(cfg.Bus),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func storeBackend(cfg config.StoreConfig) string {
	if cfg.DSN != "" {
		return "postgres"
	}
	return "sqlite"
}

func busMode(cfg config.BusConfig) string {
	if cfg.RedisAddr != "" {
		return "redis"
	}
	return "local"
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
