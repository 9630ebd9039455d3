package bridge

import (
	"context"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
)

// Session is the PLC connection the bridge drives. *opcua.Session and
// *plcsim.Session implement it.
type Session interface {
	Resolve(ctx context.Context, address types.NodeAddress, dt types.DataType) (types.NodeHandle, error)
	Read(ctx context.Context, handle types.NodeHandle, expected types.DataType) (types.Value, error)
	Write(ctx context.Context, handle types.NodeHandle, value types.Value) error
	Close(ctx context.Context) error
}

type ConnectFunc func(ctx context.Context, endpoint types.Endpoint) (Session, error)

// SensorProbe answers whether the sensor described by cfg sees something
// right now. Implementations may update their own indicators as a side
// effect.
type SensorProbe interface {
	Probe(cfg types.SensorConfig) bool
}

// ActuatorSink applies a command read from the PLC, best effort.
type ActuatorSink interface {
	Apply(value float64)
}

// IndicatorSink shows a boolean PLC output such as a stack light.
type IndicatorSink interface {
	SetActive(active bool)
}
