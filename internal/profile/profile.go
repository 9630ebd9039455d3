package profile

import (
	"fmt"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
)

// CellProfile describes a work cell: the conveyor line, its indicator
// lights and how new products enter it.
type CellProfile struct {
	Profile    Info          `json:"profile" yaml:"profile"`
	Line       Line          `json:"line" yaml:"line"`
	Indicators []Indicator   `json:"indicators,omitempty" yaml:"indicators,omitempty"`
	Spawn      Spawn         `json:"spawn" yaml:"spawn"`
	Simulator  SimulatorSpec `json:"simulator,omitempty" yaml:"simulator,omitempty"`
}

type Info struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Line is a straight run of identical conveyors. Tag names are relative to
// the PLC program; the full node address is
// ns=<Namespace>;s=<Prefix>conveyor[<i>].<tag>.
type Line struct {
	Namespace      int        `json:"namespace" yaml:"namespace"`
	Prefix         string     `json:"prefix" yaml:"prefix"`
	Conveyors      int        `json:"conveyors" yaml:"conveyors"`
	Start          float64    `json:"start" yaml:"start"`
	ConveyorLength float64    `json:"conveyor_length" yaml:"conveyor_length"`
	SpeedTag       string     `json:"speed_tag" yaml:"speed_tag"`
	SpeedType      string     `json:"speed_type,omitempty" yaml:"speed_type,omitempty"`
	PhotoeyeRange  Range      `json:"photoeye_range" yaml:"photoeye_range"`
	Photoeyes      []Photoeye `json:"photoeyes" yaml:"photoeyes"`
}

type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Photoeye is mounted on every conveyor, Offset meters from the belt start.
type Photoeye struct {
	Tag    string  `json:"tag" yaml:"tag"`
	Offset float64 `json:"offset" yaml:"offset"`
}

type Indicator struct {
	Name string `json:"name" yaml:"name"`
	Tag  string `json:"tag" yaml:"tag"`
}

type Spawn struct {
	Policy   string  `json:"policy" yaml:"policy"`
	Interval float64 `json:"interval,omitempty" yaml:"interval,omitempty"`
	ReadyTag string  `json:"ready_tag,omitempty" yaml:"ready_tag,omitempty"`
	Position float64 `json:"position" yaml:"position"`
	Lateral  float64 `json:"lateral" yaml:"lateral"`
}

// SimulatorSpec parameterizes the simulated PLC program for this cell.
type SimulatorSpec struct {
	Speed        float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
	ProcessScans int     `json:"process_scans,omitempty" yaml:"process_scans,omitempty"`
	CounterTag   string  `json:"counter_tag,omitempty" yaml:"counter_tag,omitempty"`
	CountUpTag   string  `json:"count_up_tag,omitempty" yaml:"count_up_tag,omitempty"`
}

func (l Line) withDefaults() Line {
	if l.Namespace == 0 {
		l.Namespace = 6
	}
	if l.Prefix == "" {
		l.Prefix = "::Logic:"
	}
	if l.SpeedType == "" {
		l.SpeedType = "double"
	}
	if l.PhotoeyeRange == (Range{}) {
		l.PhotoeyeRange = Range{Min: 0, Max: 0.8}
	}
	return l
}

// Address builds the node address of a program-global tag.
func (l Line) Address(tag string) types.NodeAddress {
	return types.NodeAddress(fmt.Sprintf("ns=%d;s=%s%s", l.Namespace, l.Prefix, tag))
}

// ConveyorAddress builds the node address of a tag inside conveyor i.
func (l Line) ConveyorAddress(i int, tag string) types.NodeAddress {
	return l.Address(fmt.Sprintf("conveyor[%d].%s", i, tag))
}
