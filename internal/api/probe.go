package api

import (
	"context"
	"fmt"
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/fleetplane/fleetplane/internal/config"
)

// Probe is the orchestrator-facing gRPC health endpoint. Its serving
// status is the process liveness signal: fatal persistence corruption
// flips it to NOT_SERVING so a supervisor can recycle the replica.
type Probe struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	healthSrv  *health.Server
	listener   net.Listener
}

// NewProbe constructs the probe server bound to the probe address.
func NewProbe(cfg config.ServerConfig, opts ...grpc.ServerOption) (*Probe, error) {
	lis, err := net.Listen("tcp", cfg.ProbeAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.ProbeAddress, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	grpc_prometheus.Register(grpcServer)

	// Reflection keeps the endpoint inspectable with grpcurl.
	reflection.Register(grpcServer)

	return &Probe{
		cfg:        cfg,
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		listener:   lis,
	}, nil
}

// Start serves probe requests until Shutdown is invoked.
func (p *Probe) Start() error {
	if p.grpcServer == nil || p.listener == nil {
		return fmt.Errorf("probe not initialised")
	}
	return p.grpcServer.Serve(p.listener)
}

// SetNotServing marks the replica unhealthy.
func (p *Probe) SetNotServing() {
	p.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// Shutdown attempts a graceful stop, falling back to a hard stop when
// the context expires.
func (p *Probe) Shutdown(ctx context.Context) {
	if p.grpcServer == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		p.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		p.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address (useful for tests).
func (p *Probe) Address() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}
