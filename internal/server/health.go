package server

import (
	"context"
	"net"
	"time"

	"github.com/triage-ai/relaywatch/internal/collector"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the name reported through the gRPC health service.
const ServiceName = "relaywatch"

// HealthServer serves grpc.health.v1.Health for the collector. The
// relaywatch service is SERVING only while circuits are being collected.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer creates a HealthServer in the NOT_SERVING state.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{grpc: srv, health: hs, logger: logger}
}

// SetState maps a collector state onto the serving status. It matches
// collector.Options.OnStateChange.
func (s *HealthServer) SetState(st collector.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == collector.StateCollecting {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Debug("health status updated",
		zap.String("state", st.String()),
		zap.String("status", status.String()),
	)
}

// Serve accepts connections on lis until Stop is called.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
