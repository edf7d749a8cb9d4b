package grpchealth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/sigverify/internal/logging"
)

// Probe dials addr and returns the serving status of the verifier service.
func Probe(ctx context.Context, addr string, logger *zap.Logger) (healthpb.HealthCheckResponse_ServingStatus, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpchealth.dial", "", err)
		logger.Error("failed to dial health service", zap.Error(wrapped), zap.String("addr", addr))
		return healthpb.HealthCheckResponse_UNKNOWN, wrapped
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		wrapped := logging.NewOperationError("grpchealth.check", "", err)
		logger.Error("health check failed", zap.Error(wrapped), zap.String("addr", addr))
		return healthpb.HealthCheckResponse_UNKNOWN, wrapped
	}
	return resp.GetStatus(), nil
}
