package flightsql

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	grpcHealth "google.golang.org/grpc/health"
	grpcHealthV1 "google.golang.org/grpc/health/grpc_health_v1"

	"trino-arrow-gateway/internal/middleware"
)

const defaultMaxMessageBytes = 64 << 20

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr    string
	Gateway *Gateway
	Logger  *slog.Logger
	// RateLimiter throttles calls per client when set.
	RateLimiter *middleware.RateLimiter
	// MaxMessageBytes bounds a single gRPC message. Zero means 64 MiB.
	MaxMessageBytes int
}

// Server owns the Flight gRPC listener and its interceptor chain.
type Server struct {
	opts   ServerOptions
	logger *slog.Logger

	mu         sync.Mutex
	ln         net.Listener
	grpcServer *grpc.Server
	health     *grpcHealth.Server
	wg         sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Server{opts: opts, logger: logger}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("flight listener already started")
	}
	if s.opts.Gateway == nil {
		return fmt.Errorf("flight server requires a gateway")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen flight: %w", err)
	}

	unary := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestID(),
		middleware.UnaryAccessLog(s.logger),
	}
	streams := []grpc.StreamServerInterceptor{
		middleware.StreamRequestID(),
		middleware.StreamAccessLog(s.logger),
	}
	if s.opts.RateLimiter != nil {
		unary = append(unary, s.opts.RateLimiter.UnaryInterceptor())
		streams = append(streams, s.opts.RateLimiter.StreamInterceptor())
	}

	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(streams...),
		grpc.MaxRecvMsgSize(s.opts.MaxMessageBytes),
		grpc.MaxSendMsgSize(s.opts.MaxMessageBytes),
	)
	arrowflight.RegisterFlightServiceServer(grpcSrv, newService(s.opts.Gateway, s.logger))
	healthSrv := grpcHealth.NewServer()
	healthSrv.SetServingStatus("", grpcHealthV1.HealthCheckResponse_SERVING)
	grpcHealthV1.RegisterHealthServer(grpcSrv, healthSrv)

	s.ln = ln
	s.grpcServer = grpcSrv
	s.health = healthSrv
	s.wg.Add(1)
	go s.serveLoop()
	s.logger.Info("Flight listener enabled", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown marks the health service NOT_SERVING, then stops gracefully.
// Streams still running when ctx expires are cut off.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	grpcSrv := s.grpcServer
	healthSrv := s.health
	s.ln = nil
	s.grpcServer = nil
	s.health = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if healthSrv != nil {
		healthSrv.Shutdown()
	}
	if grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			grpcSrv.Stop()
			return fmt.Errorf("flight shutdown: %w", ctx.Err())
		case <-time.After(30 * time.Second):
			grpcSrv.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flight shutdown wait: %w", ctx.Err())
	}
}

func (s *Server) serveLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	ln := s.ln
	grpcSrv := s.grpcServer
	s.mu.Unlock()

	if ln == nil || grpcSrv == nil {
		return
	}
	if err := grpcSrv.Serve(ln); err != nil {
		s.logger.Debug("flight gRPC server stopped", "error", err)
	}
}
