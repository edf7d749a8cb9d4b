package grpchealth

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-checked service for the signature verifier.
const ServiceName = "sigverify.Verifier"

// Server exposes the standard gRPC health protocol. The verifier service is
// SERVING only while a model is loaded.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

func New(logger *zap.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, logger: logger.Named("grpc_health")}
}

// SetServing reports whether a model is available.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Info("health status changed", zap.String("service", ServiceName), zap.String("status", status.String()))
}

// Serve blocks on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
	s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		err := <-errCh
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case err := <-errCh:
		return err
	}
}
