// Package api serves the operator surface: health and breaker
// introspection, portfolio and trade history, manual position recovery, the
// emergency stop, and a WebSocket stream re-broadcasting bus events.
//
// Read-only endpoints never fail the caller: missing components and venue
// errors degrade to empty payloads so the dashboard stays up while the
// platform is unhealthy — which is exactly when the operator needs it.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"hyperliquid-trader/internal/config"
)

// Server runs the HTTP/WebSocket operator API.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.DashboardConfig, deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, deps, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.handleHealth)
	mux.HandleFunc("GET /api/circuit-breakers", handlers.handleBreakers)
	mux.HandleFunc("POST /api/circuit-breakers/{name}/reset", handlers.handleBreakerReset)
	mux.HandleFunc("GET /api/position-recovery", handlers.handleRecoveryStatus)
	mux.HandleFunc("POST /api/position-recovery/recover", handlers.handleRecover)
	mux.HandleFunc("POST /api/emergency-stop", handlers.handleEmergencyStop)
	mux.HandleFunc("GET /api/portfolio", handlers.handlePortfolio)
	mux.HandleFunc("GET /api/orders/stats", handlers.handleOrderStats)
	mux.HandleFunc("GET /ws", handlers.handleWebSocket)

	port := cfg.Port
	if port <= 0 {
		port = 3001
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. The hub,
// the bus bridge, and the poll broadcaster ride the same context.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	bridgeBus(s.handlers.deps.Bus, s.hub)
	go s.pollLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	s.logger.Info("operator api listening", "addr", s.server.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		s.logger.Info("operator api stopped")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}
}

// pollLoop pushes the status snapshot to WebSocket clients on a fixed beat,
// so dashboards track breaker and health changes without polling REST.
func (s *Server) pollLoop(ctx context.Context) {
	pollMs := s.cfg.PollMs
	if pollMs <= 0 {
		pollMs = 10_000
	}
	ticker := time.NewTicker(time.Duration(pollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.BroadcastEvent(DashboardEvent{
				Type:      "snapshot",
				Timestamp: time.Now().UTC(),
				Data:      s.handlers.snapshot(),
			})
		}
	}
}
