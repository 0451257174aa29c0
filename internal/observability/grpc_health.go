package observability

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthService is the service name transcription readiness is published under
const GRPCHealthService = "stt"

// UpdateGRPCHealth runs the checks once and publishes SERVING or NOT_SERVING
func UpdateGRPCHealth(ctx context.Context, srv *health.Server, checks map[string]HealthCheckFunc) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, ready := RunChecks(ctx, checks)

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	srv.SetServingStatus(GRPCHealthService, status)
	srv.SetServingStatus("", status)
	return ready
}

// WatchGRPCHealth refreshes the published status every interval until ctx is done,
// then marks every service NOT_SERVING.
func WatchGRPCHealth(ctx context.Context, srv *health.Server, checks map[string]HealthCheckFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		UpdateGRPCHealth(ctx, srv, checks)
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
