// Package health exposes the monitor's liveness over the standard
// grpc.health.v1 service so orchestrators can query it without HTTP.
//
// The overall ("") and "fim.Monitor" services report SERVING while the
// check returns true and NOT_SERVING otherwise. The status is refreshed on
// every tick of the configured interval and forced to NOT_SERVING when the
// server begins its graceful stop.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the named service registered alongside the overall status.
const ServiceName = "fim.Monitor"

// DefaultInterval is how often the check is re-evaluated.
const DefaultInterval = time.Second

// Check reports whether the monitor is healthy.
type Check func() bool

// Server wraps a grpc.Server carrying only the health service.
type Server struct {
	logger   *slog.Logger
	check    Check
	interval time.Duration
	grpc     *grpc.Server
	health   *health.Server

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// Option configures a Server.
type Option func(*Server)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New returns a Server reporting check. It starts NOT_SERVING until the
// first evaluation.
func New(logger *slog.Logger, check Check, opts ...Option) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		logger:   logger,
		check:    check,
		interval: DefaultInterval,
		grpc:     gs,
		health:   hs,
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh evaluates the check once and publishes the result.
func (s *Server) Refresh() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.check != nil && s.check() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.set(st)
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	changed := st != s.last
	s.last = st
	s.mu.Unlock()
	if !changed {
		return
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	s.logger.Debug("health: status changed", slog.String("status", st.String()))
}

// Serve listens on addr and blocks until ctx is cancelled or serving fails.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", addr, err)
	}
	s.logger.Info("health: gRPC listening", slog.String("addr", lis.Addr().String()))
	return s.ServeOnListener(ctx, lis)
}

// ServeOnListener serves on lis until ctx is cancelled, then marks every
// service NOT_SERVING and stops gracefully.
func (s *Server) ServeOnListener(ctx context.Context, lis net.Listener) error {
	servErrCh := make(chan error, 1)
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			servErrCh <- err
		}
		close(servErrCh)
	}()

	s.Refresh()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Refresh()
		case err := <-servErrCh:
			if err != nil {
				return fmt.Errorf("health: serve: %w", err)
			}
			return nil
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			if err := <-servErrCh; err != nil {
				return fmt.Errorf("health: serve after graceful stop: %w", err)
			}
			return nil
		}
	}
}
