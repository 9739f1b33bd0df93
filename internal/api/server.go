// Package api exposes the read-only HTTP/WebSocket query surface.
// Admin mutations never pass through here; they stay on the engine API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lmsr-exchange/internal/broadcast"
	"lmsr-exchange/internal/config"
	"lmsr-exchange/pkg/types"
)

// Server runs the HTTP/WebSocket API
type Server struct {
	cfg      config.APIConfig
	provider MarketProvider
	bus      *broadcast.Bus
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	unsubscribe func()
}

// NewServer creates a new API server
func NewServer(cfg config.APIConfig, provider MarketProvider, bus *broadcast.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/markets", handlers.HandleMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.HandleMarket)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		bus:      bus,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub
func (s *Server) Start() error {
	go s.hub.Run()

	events, cancel := s.bus.Subscribe(256)
	s.unsubscribe = cancel
	go s.consumeEvents(events)

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents forwards committed exchange events to WebSocket clients
func (s *Server) consumeEvents(events <-chan types.Event) {
	for ev := range events {
		s.hub.BroadcastEvent(ev)
	}
}
