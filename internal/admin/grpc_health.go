package admin

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/monitoring"
)

// HealthService mirrors sub-service snapshots into the standard gRPC
// health checking protocol. Each service is registered under its
// ServiceName; the empty name reports the bridge as a whole.
type HealthService struct {
	srv *grpchealth.Server
}

func NewHealthService() *HealthService {
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthService{srv: srv}
}

// Update publishes the given snapshots. The bridge is SERVING only when
// every snapshot is healthy.
func (h *HealthService) Update(snaps ...health.Snapshot) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, s := range snaps {
		status := healthpb.HealthCheckResponse_SERVING
		if !s.IsHealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		h.srv.SetServingStatus(s.ServiceName, status)
	}
	h.srv.SetServingStatus("", overall)
}

// Register adds the health service to an existing gRPC server.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Serve listens on addr and serves health checks until ctx is done.
func (h *HealthService) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return h.serve(ctx, lis)
}

func (h *HealthService) serve(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	h.Register(s)

	errCh := make(chan error, 1)
	go func() {
		monitoring.Diagf("gRPC health server listening on %s", lis.Addr())
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		h.srv.Shutdown()
		s.GracefulStop()
		monitoring.Diagf("gRPC health server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
