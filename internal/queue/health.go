package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the queue
const ServiceName = "botanical.queue.v1.CommandQueue"

// Pinger reports database reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker mirrors database reachability into a gRPC health service
type HealthChecker struct {
	db     Pinger
	server *health.Server
	log    zerolog.Logger
}

// NewHealthChecker creates a checker; the service starts NOT_SERVING
func NewHealthChecker(db Pinger, log zerolog.Logger) *HealthChecker {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthChecker{db: db, server: hs, log: log.With().Str("component", "health").Logger()}
}

// Register adds the health service to a gRPC server
func (h *HealthChecker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Check pings the database once and updates the serving status
func (h *HealthChecker) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("database unreachable")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(ServiceName, status)
	h.server.SetServingStatus("", status)
	return status
}

// Run checks every interval until ctx ends, then marks the service down
func (h *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
