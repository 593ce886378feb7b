package grpc

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// watch runs the heartbeat every interval until ctx is done.
func (s *GRPCServer) watch(ctx context.Context) {
	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh runs the heartbeat once and publishes the resulting status.
func (s *GRPCServer) refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.heartbeat != nil {
		report := s.heartbeat.Run(ctx)
		if !report.OK() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn(ctx, "heartbeat failed", "checks", report.Checks)
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}
