package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gridserver/internal/config"
)

// Server runs the HTTP/WebSocket API for the trading agent and dashboard
type Server struct {
	cfg      config.Config
	provider EngineProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.Config, provider EngineProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()

	// Agent-facing routes
	mux.HandleFunc("/api/tick", handlers.HandleTick)

	// Dashboard routes
	mux.HandleFunc("/api/update-settings", handlers.HandleUpdateSettings)
	mux.HandleFunc("/api/control", handlers.HandleControl)
	mux.HandleFunc("/api/ui-data", handlers.HandleUIData)
	mux.HandleFunc("/api/health", handlers.HandleHealth)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.HandleFunc("/", handlers.HandleRoot)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      corsMiddleware(cfg.Server.AllowedOrigins, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub
func (s *Server) Start() error {
	// Start WebSocket hub
	go s.hub.Run()

	// Start event consumer
	go s.consumeEvents()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents reads events from the engine and broadcasts them
func (s *Server) consumeEvents() {
	eventsCh := s.provider.Events()
	if eventsCh == nil {
		return
	}

	for evt := range eventsCh {
		s.hub.BroadcastEvent(evt)
	}
}

// corsMiddleware allows the dashboard to be served from anywhere. The agent
// talks server-to-server and ignores CORS entirely.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	origin := "*"
	if len(allowedOrigins) == 1 && allowedOrigins[0] != "" {
		origin = allowedOrigins[0]
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
