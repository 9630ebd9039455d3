package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/cell"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"github.com/KevinKickass/OpenMachineBridge/internal/storage"
	"github.com/google/uuid"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	Profile          string `json:"profile"`
	Simulated        bool   `json:"simulated"`
	Endpoint         string `json:"endpoint"`
	EventLog         bool   `json:"event_log"`
	ConnectedClients int    `json:"connected_clients"`
}

// BridgeController is what the API needs from the runner.
type BridgeController interface {
	Status() runner.Status
	LastReport() (bridge.TickReport, bool)
	SensorStates() []bridge.SensorState
	CellSnapshot() cell.Snapshot
	Execute(ctx context.Context, cmd runner.Command) error
}

// EventLog is the read side of the optional event store.
type EventLog interface {
	RecentBridgeEvents(ctx context.Context, limit int) ([]storage.BridgeEvent, error)
	ProductsForRun(ctx context.Context, runID uuid.UUID) ([]storage.ProductRecord, error)
}

type LifecycleManager interface {
	Bridge() BridgeController
	// Events is nil when the event log is disabled.
	Events() EventLog
	GetCurrentStatus() SystemStatus
}
