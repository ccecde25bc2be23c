// ============================================================================
// imgpipe Status Server - gRPC health view of a running conversion
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Mirrors pipeline state transitions into the standard
//           grpc.health.v1 service so supervisors can probe a long run.
//
// Service names:
//   ""                         overall; SERVING until the run is terminal
//   "imgpipe.tif_to_jp2"       SERVING while stage 1 dispatches or drains
//   "imgpipe.jp2_to_jpeg"      SERVING while stage 2 dispatches or drains
//
// Probe:
//   grpc_health_probe -addr=:50051 -service=imgpipe.tif_to_jp2
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// ServiceName returns the health service name for a stage.
func ServiceName(stage types.StageName) string {
	return "imgpipe." + string(stage)
}

// Server publishes run state over gRPC health checking.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu    sync.RWMutex
	state types.RunState
}

// NewServer creates a status server in the idle state.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    logger,
		state:  types.StateIdle,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, stage := range []types.StageName{types.StageRaw, types.StageDerivative} {
		s.health.SetServingStatus(ServiceName(stage), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// OnState records a state transition.
func (s *Server) OnState(from, to types.RunState) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()

	raw, derivative := healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_NOT_SERVING
	switch to {
	case types.StateStage1Dispatching, types.StateStage1Draining:
		raw = healthpb.HealthCheckResponse_SERVING
	case types.StateStage2Dispatching, types.StateStage2Draining:
		derivative = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName(types.StageRaw), raw)
	s.health.SetServingStatus(ServiceName(types.StageDerivative), derivative)

	if to == types.StateTerminal {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.log.Debug("status updated", "from", from, "to", to)
}

// State returns the last published state.
func (s *Server) State() types.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.log.Info("status server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
