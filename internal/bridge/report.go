package bridge

import (
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
)

type Role string

const (
	RoleActuator  Role = "actuator"
	RoleIndicator Role = "indicator"
	RoleSensor    Role = "sensor"
	RolePolicy    Role = "policy"
)

type SensorState struct {
	Name      string `json:"name"`
	Triggered bool   `json:"triggered"`
	Edge      Edge   `json:"edge"`
}

// BindingResult is the outcome of one binding's I/O in one tick.
type BindingResult struct {
	Name      string          `json:"name"`
	Role      Role            `json:"role"`
	Direction types.Direction `json:"direction"`
	Value     *types.Value    `json:"value,omitempty"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
}

func (r BindingResult) OK() bool { return r.Err == nil }

type TickReport struct {
	Seq            uint64          `json:"seq"`
	Dt             float64         `json:"dt"`
	State          State           `json:"state"`
	Results        []BindingResult `json:"results"`
	Sensors        []SensorState   `json:"sensors"`
	Policy         string          `json:"policy,omitempty"`
	SpawnRequested bool            `json:"spawn_requested"`
	// Degraded marks a tick during which the session was lost.
	Degraded bool          `json:"degraded"`
	Duration time.Duration `json:"duration"`
	// Overrun is set when the tick took longer than the step budget.
	Overrun bool `json:"overrun"`
}

func (r TickReport) Failures() []BindingResult {
	var failed []BindingResult
	for _, res := range r.Results {
		if !res.OK() {
			failed = append(failed, res)
		}
	}
	return failed
}

func (r TickReport) Result(name string) (BindingResult, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return BindingResult{}, false
}
