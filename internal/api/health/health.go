// Package health exposes the bridge lifecycle through the standard gRPC
// health protocol so orchestrators can probe the service.
package health

import (
	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported SERVING only while the bridge is Active. The empty
// service name tracks the process itself.
const ServiceName = "openmachinebridge.Bridge"

type Reporter struct {
	server *grpchealth.Server
	logger *zap.Logger
}

func NewReporter(logger *zap.Logger) *Reporter {
	s := grpchealth.NewServer()
	s.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Reporter{server: s, logger: logger}
}

func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.server)
}

func (r *Reporter) Server() healthpb.HealthServer { return r.server }

// Shutdown flips every service to NOT_SERVING ahead of the gRPC stop.
func (r *Reporter) Shutdown() {
	r.server.Shutdown()
}

func (r *Reporter) OnStateChange(change runner.StateChange) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if change.To == bridge.StateActive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.server.SetServingStatus(ServiceName, status)
	r.logger.Debug("Health status updated",
		zap.String("service", ServiceName),
		zap.String("status", status.String()))
}

func (r *Reporter) OnTick(bridge.TickReport) {}

func (r *Reporter) OnSpawn(runner.SpawnEvent) {}
