package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/server/handler"
	"github.com/alanyoungcy/quotecast/internal/server/middleware"
	"github.com/alanyoungcy/quotecast/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// ActionLimit requests per ActionWindow are allowed on POST
	// /api/actions/{name} per client IP when a limiter is supplied.
	ActionLimit  int
	ActionWindow time.Duration

	ShutdownTimeout time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Archives may
// be nil when no object store is configured.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Tickers  *handler.TickerHandler
	Actions  *handler.ActionHandler
	Archives *handler.ArchiveHandler
}

// Server is the headless HTTP + WebSocket API in front of the quotecast
// client.
type Server struct {
	httpServer *http.Server
	cfg        Config
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in auth, logging and
// CORS middleware. hub and limiter are optional.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ActionWindow <= 0 {
		cfg.ActionWindow = time.Minute
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      Routes(cfg, handlers, hub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, cfg: cfg, logger: logger}
}

// Routes builds the full handler chain. It is exported so tests can mount
// it on httptest.
func Routes(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/tickers", handlers.Tickers.ListTickers)
	mux.HandleFunc("GET /api/tickers/{id}", handlers.Tickers.GetTicker)
	mux.HandleFunc("GET /api/tickers/{id}/history", handlers.Tickers.History)

	mux.HandleFunc("GET /api/actions", handlers.Actions.ListActions)
	var run http.Handler = http.HandlerFunc(handlers.Actions.Run)
	if limiter != nil && cfg.ActionLimit > 0 {
		run = middleware.RateLimit(limiter, "actions", cfg.ActionLimit, cfg.ActionWindow)(run)
	}
	mux.Handle("POST /api/actions/{name}", run)

	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.List)
		mux.HandleFunc("GET /api/archives/object", handlers.Archives.Download)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve accepts connections on lis until the server is shut down.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is done and then shuts down within the configured
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
