// Package grpc serves the standard gRPC health service. Its status follows
// the periodic heartbeat of the HTTP service.
package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmitrijs2005/remotesettings/internal/logging"
	"github.com/dmitrijs2005/remotesettings/internal/server/heartbeat"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "remotesettings"

type GRPCServer struct {
	address   string
	logger    logging.Logger
	health    *health.Server
	heartbeat *heartbeat.Heartbeat
	interval  time.Duration
}

func NewGRPCServer(a string, l logging.Logger, hb *heartbeat.Heartbeat, interval time.Duration) *GRPCServer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		health:    health.NewServer(),
		heartbeat: hb,
		interval:  interval,
	}
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	// creates gRPC-server
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.loggingInterceptor))

	// registers service
	healthpb.RegisterHealthServer(srv, s.health)

	go s.watch(ctx)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gPRC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
