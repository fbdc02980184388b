package grpcapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xtding233/gacha-economy/internal/logger"
)

type ServerConfig struct {
	RateLimit float64
	RateBurst int
}

// NewServer builds a grpc.Server with LootService and the health service
// registered. The returned health server lets the caller flip the serving
// status on shutdown.
func NewServer(svc LootServer, cfg ServerConfig, l logger.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if l == nil {
		l = logger.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RateLimitInterceptor(cfg.RateLimit, cfg.RateBurst),
		ErrorInterceptor(l),
	))
	s := grpc.NewServer(opts...)
	RegisterLootServer(s, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}
