package bridge

import (
	"fmt"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
)

const (
	PolicyReadyToReceive = "ready_to_receive"
	PolicyFixedInterval  = "fixed_interval"
)

// PolicyInput is what a spawn policy sees once per tick.
type PolicyInput struct {
	Dt      float64
	Values  map[string]types.Value // watched tags read this tick, keyed by logical name
	Sensors []SensorState
}

// SpawnPolicy decides when the host should add a new product. Evaluate is
// called exactly once per tick.
type SpawnPolicy interface {
	Name() string
	// Watches lists extra PLC tags the bridge must read before Evaluate.
	Watches() []types.TagDefinition
	Evaluate(in PolicyInput) bool
	Reset()
}

// ReadyToReceive fires once per rising edge of a boolean PLC output.
type ReadyToReceive struct {
	tag      types.TagDefinition
	spawning bool
}

func NewReadyToReceive(tag types.TagDefinition) (*ReadyToReceive, error) {
	if tag.DataType != types.DataTypeBoolean || tag.Direction != types.DirectionRead {
		return nil, fmt.Errorf("ready tag %s must be a boolean read tag", tag.LogicalName)
	}
	return &ReadyToReceive{tag: tag}, nil
}

func (p *ReadyToReceive) Name() string { return PolicyReadyToReceive }

func (p *ReadyToReceive) Watches() []types.TagDefinition { return []types.TagDefinition{p.tag} }

func (p *ReadyToReceive) Evaluate(in PolicyInput) bool {
	v, ok := in.Values[p.tag.LogicalName]
	if !ok {
		// read failed this tick, hold the latch
		return false
	}

	ready := v.Bool()
	if ready && !p.spawning {
		p.spawning = true
		return true
	}
	if !ready {
		p.spawning = false
	}
	return false
}

func (p *ReadyToReceive) Spawning() bool { return p.spawning }

func (p *ReadyToReceive) Reset() { p.spawning = false }

// FixedInterval fires every threshold time units of simulated time.
type FixedInterval struct {
	threshold float64
	elapsed   float64
}

func NewFixedInterval(threshold float64) (*FixedInterval, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("spawn interval must be positive, got %v", threshold)
	}
	return &FixedInterval{threshold: threshold}, nil
}

func (p *FixedInterval) Name() string { return PolicyFixedInterval }

func (p *FixedInterval) Watches() []types.TagDefinition { return nil }

func (p *FixedInterval) Evaluate(in PolicyInput) bool {
	p.elapsed += in.Dt
	if p.elapsed >= p.threshold {
		p.elapsed = 0
		return true
	}
	return false
}

func (p *FixedInterval) Elapsed() float64 { return p.elapsed }

func (p *FixedInterval) Reset() { p.elapsed = 0 }
