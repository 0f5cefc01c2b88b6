package database

import (
	"fmt"
	"net"

	"campus_connect/pkg/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer grpc server exposing the standard health service
type GRPCServer struct {
	Server   *grpc.Server
	Health   *health.Server
	listener net.Listener
}

// NewGRPCServer listens on addr (":0" picks a free port)
func NewGRPCServer(addr string) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	s := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)
	return &GRPCServer{Server: s, Health: h, listener: lis}, nil
}

// Addr actual listen address
func (g *GRPCServer) Addr() string {
	return g.listener.Addr().String()
}

// SetServing flips the health status of service ("" is the whole server)
func (g *GRPCServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.Health.SetServingStatus(service, status)
}

// Serve blocks until Stop
func (g *GRPCServer) Serve() error {
	logger.Log.Info("grpc server listening", zap.String("addr", g.Addr()))
	return g.Server.Serve(g.listener)
}

// Stop marks every service not serving and drains connections
func (g *GRPCServer) Stop() {
	g.Health.Shutdown()
	g.Server.GracefulStop()
}

// CreateGRPCClient create grpc client
func CreateGRPCClient(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return conn, nil
}
