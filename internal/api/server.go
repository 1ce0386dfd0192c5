// Package api is the in-process control plane: a small HTTP server with
// /health, /api/status, /api/command, /metrics, and a /ws stream of
// engine events. It talks to the engine only through the Controller
// interface, so the dependency points one way.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
)

// Server runs the control-plane HTTP listener.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	handlers *Handlers
	events   <-chan StreamEvent
	server   *http.Server
	logger   zerolog.Logger
}

// NewServer wires the mux. metricsHandler serves the engine's prometheus
// registry; events is the engine's stream feed, may be nil.
func NewServer(cfg config.ServerConfig, ctrl Controller, metricsHandler http.Handler, events <-chan StreamEvent, logger zerolog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(ctrl, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/command", handlers.HandleCommand)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		events:   events,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With().Str("component", "api-server").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.consumeEvents(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("control plane listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutCtx); err != nil {
			s.logger.Error().Err(err).Msg("control plane shutdown")
		}
		return ctx.Err()
	}
}

// consumeEvents forwards engine events to the hub.
func (s *Server) consumeEvents(ctx context.Context) {
	if s.events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.events:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
