package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamchannel/sequencer/internal/domain"
	"github.com/streamchannel/sequencer/internal/server/handler"
	"github.com/streamchannel/sequencer/internal/server/middleware"
	"github.com/streamchannel/sequencer/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	RateLimitEnabled       bool
	RateLimitRequestsPerIP int
	RateLimitWindowSeconds int64
}

// Handlers aggregates all HTTP handlers the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Channel *handler.ChannelHandler
}

// Server is the HTTP + WebSocket API server for the sequencer.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the
// ServeMux, exactly the routes of spec §6. It wires up the middleware
// chain (logging → auth → CORS → rate-limit) and attaches the WebSocket
// hub.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /channels/by-owner/{owner}", handlers.Channel.ByOwner)
	mux.HandleFunc("POST /channel/seed", handlers.Channel.Seed)
	mux.HandleFunc("GET /channel/{id}", handlers.Channel.Get)
	mux.HandleFunc("POST /validate", handlers.Channel.Validate)

	settleHandler := http.HandlerFunc(handlers.Channel.Settle)
	finalizeHandler := http.HandlerFunc(handlers.Channel.Finalize)
	if cfg.RateLimitEnabled && limiter != nil {
		rl := middleware.RateLimit(limiter, cfg.RateLimitRequestsPerIP, cfg.RateLimitWindowSeconds)
		mux.Handle("POST /settle", rl(settleHandler))
		mux.Handle("POST /channel/finalize", rl(finalizeHandler))
	} else {
		mux.Handle("POST /settle", settleHandler)
		mux.Handle("POST /channel/finalize", finalizeHandler)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain: logging (outermost) → auth → CORS.
	// Rate-limit is applied per-route above, not globally (spec §4.8
	// scopes it to settle/finalize).
	var h http.Handler = mux
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
