package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServerConfig holds the gRPC listener settings.
type ServerConfig struct {
	Addr            string
	MaxMessageBytes int
	ShutdownTimeout time.Duration
}

// Server hosts the relay service and the standard health service.
type Server struct {
	cfg    ServerConfig
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer builds a gRPC server with svc registered.
func NewServer(cfg ServerConfig, svc RelayServer, logger *slog.Logger) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 10 * 1024 * 1024
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger = logger.With(slog.String("component", "relay-server"))

	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxMessageBytes),
		grpc.MaxSendMsgSize(cfg.MaxMessageBytes),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	RegisterRelayServer(gs, svc)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{cfg: cfg, grpc: gs, health: hs, logger: logger}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("relay: serving", slog.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("relay: serve: %w", err)
	}
	return nil
}

// Run listens on the configured address and serves until ctx is done, then
// stops gracefully within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", s.cfg.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Stop()
	return <-errCh
}

// Stop marks the service not serving and drains in-flight calls, forcing
// the stop once the shutdown timeout passes.
func (s *Server) Stop() {
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("relay: stopped gracefully")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("relay: graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		attrs := []any{
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
			logger.WarnContext(ctx, "grpc request", attrs...)
		} else {
			logger.InfoContext(ctx, "grpc request", attrs...)
		}
		return resp, err
	}
}
