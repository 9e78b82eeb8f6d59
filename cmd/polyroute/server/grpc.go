package server

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/TFMV/polyroute/cmd/polyroute/config"
)

// RoutingServiceName is the health service name of the router.
const RoutingServiceName = "polyroute.Routing"

// NewGRPCServer creates the gRPC server carrying the health service and,
// when enabled, server reflection. The returned health server is nil when
// health checks are disabled.
func NewGRPCServer(cfg config.GRPCConfig, interceptors ...grpc.UnaryServerInterceptor) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(interceptors...),
	}

	grpcServer := grpc.NewServer(opts...)

	var healthServer *health.Server
	if cfg.Health {
		healthServer = health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus(RoutingServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	if cfg.Reflection {
		reflection.Register(grpcServer)
	}

	return grpcServer, healthServer
}
