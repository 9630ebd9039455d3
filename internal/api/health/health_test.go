package health

import (
	"context"
	"testing"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func check(t *testing.T, r *Reporter, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := r.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestReporterFollowsBridgeState(t *testing.T) {
	r := NewReporter(zap.NewNop())

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, r, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, r, ServiceName))

	steps := []struct {
		to   bridge.State
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{bridge.StateConnecting, healthpb.HealthCheckResponse_NOT_SERVING},
		{bridge.StateActive, healthpb.HealthCheckResponse_SERVING},
		{bridge.StateError, healthpb.HealthCheckResponse_NOT_SERVING},
		{bridge.StateConnecting, healthpb.HealthCheckResponse_NOT_SERVING},
		{bridge.StateActive, healthpb.HealthCheckResponse_SERVING},
		{bridge.StateDisconnected, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, s := range steps {
		r.OnStateChange(runner.StateChange{To: s.to})
		assert.Equal(t, s.want, check(t, r, ServiceName), "after %s", s.to)
	}
}

func TestReporterShutdown(t *testing.T) {
	r := NewReporter(zap.NewNop())
	r.OnStateChange(runner.StateChange{To: bridge.StateActive})
	r.Shutdown()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, r, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, r, ""))

	// Shutdown is sticky.
	r.OnStateChange(runner.StateChange{To: bridge.StateActive})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, r, ServiceName))
}
