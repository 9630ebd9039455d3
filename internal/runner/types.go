package runner

import (
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/cell"
	"github.com/google/uuid"
)

type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
	// CommandReset clears the cell: products removed, belts stopped.
	CommandReset Command = "reset"
)

func ParseCommand(s string) (Command, bool) {
	switch c := Command(s); c {
	case CommandStart, CommandStop, CommandReset:
		return c, true
	}
	return "", false
}

type StateChange struct {
	RunID uuid.UUID    `json:"run_id"`
	From  bridge.State `json:"from"`
	To    bridge.State `json:"to"`
	Err   error        `json:"-"`
	Error string       `json:"error,omitempty"`
	At    time.Time    `json:"at"`
}

type SpawnEvent struct {
	RunID   uuid.UUID    `json:"run_id"`
	Seq     uint64       `json:"seq"`
	Product cell.Product `json:"product"`
}

// Observer receives runner events on the runner goroutine. Implementations
// must not block.
type Observer interface {
	OnStateChange(change StateChange)
	OnTick(report bridge.TickReport)
	OnSpawn(event SpawnEvent)
}

type Status struct {
	RunID         uuid.UUID    `json:"run_id"`
	State         bridge.State `json:"state"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	Running       bool         `json:"running"`
	Ticks         uint64       `json:"ticks"`
	Overruns      uint64       `json:"overruns"`
	DegradedTicks uint64       `json:"degraded_ticks"`
	Spawned       uint64       `json:"spawned"`
	// SpawnBlocked counts requests that could not be placed on their own
	// tick, either because the spawn point was occupied or another spawn was
	// already waiting.
	SpawnBlocked    uint64    `json:"spawn_blocked"`
	SpawnPending    bool      `json:"spawn_pending"`
	Policy          string    `json:"policy,omitempty"`
	LastTick        time.Time `json:"last_tick,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}
