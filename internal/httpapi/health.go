package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"repoguard.org/internal/obs"
)

// HealthService publishes the readiness probe over the standard gRPC health
// protocol, both for the whole server and under the repoguard service name.
type HealthService struct {
	srv   *health.Server
	probe ReadyProbe
}

func NewHealthService(probe ReadyProbe) *HealthService {
	hs := &HealthService{srv: health.NewServer(), probe: probe}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Register attaches the health service to s.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the probe once and updates the serving status.
func (h *HealthService) Refresh(ctx context.Context) error {
	err := h.probe.Check(ctx)
	if err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes the status every interval until ctx is done, then marks the
// server as shutting down.
func (h *HealthService) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
			obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
		}
	}
}

func (h *HealthService) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
