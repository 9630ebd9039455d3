package profile

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/cell"
	"github.com/KevinKickass/OpenMachineBridge/internal/plcsim"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"go.uber.org/zap"
)

type ActuatorSpec struct {
	Tag      types.TagDefinition
	Conveyor string
}

type SensorSpec struct {
	Tag    types.TagDefinition
	Sensor types.SensorConfig
}

type IndicatorSpec struct {
	Tag       types.TagDefinition
	Indicator string
}

// Layout is a composed profile: every tag binding of the cell plus the scene
// geometry the host needs to build it.
type Layout struct {
	ID         string
	Actuators  []ActuatorSpec
	Sensors    []SensorSpec
	Indicators []IndicatorSpec
	Spawn      Spawn
	Ready      *types.TagDefinition
	Scene      cell.Config
	Program    *plcsim.LineProgram
}

type Composer struct {
	logger *zap.Logger
}

func NewComposer(logger *zap.Logger) *Composer {
	return &Composer{logger: logger}
}

// Compose expands the line description into one speed actuator and one
// sensor per photoeye for every conveyor.
func (c *Composer) Compose(p *CellProfile) (*Layout, error) {
	line := p.Line.withDefaults()

	c.logger.Info("Composing cell",
		zap.String("profile", p.Profile.ID),
		zap.Int("conveyors", line.Conveyors))

	speedType, err := types.ParseDataType(line.SpeedType)
	if err != nil {
		return nil, fmt.Errorf("line speed type: %w", err)
	}
	if !speedType.Numeric() {
		return nil, fmt.Errorf("line speed type %s is not numeric", speedType)
	}

	layout := &Layout{
		ID:    p.Profile.ID,
		Spawn: p.Spawn,
		Scene: cell.Config{
			SpawnPosition: p.Spawn.Position,
			Lateral:       p.Spawn.Lateral,
		},
	}

	program := &plcsim.LineProgram{
		Speed:        p.Simulator.Speed,
		ProcessScans: p.Simulator.ProcessScans,
	}

	for i := 0; i < line.Conveyors; i++ {
		name := fmt.Sprintf("conveyor_%d", i)
		start := line.Start + float64(i)*line.ConveyorLength

		layout.Scene.Conveyors = append(layout.Scene.Conveyors, cell.ConveyorConfig{
			Name:   name,
			Start:  start,
			Length: line.ConveyorLength,
		})

		speed := types.TagDefinition{
			LogicalName: name,
			Address:     line.ConveyorAddress(i, line.SpeedTag),
			DataType:    speedType,
			Direction:   types.DirectionRead,
		}
		layout.Actuators = append(layout.Actuators, ActuatorSpec{Tag: speed, Conveyor: name})

		conveyorTags := plcsim.ConveyorTags{Speed: speed.Address}
		for j, eye := range line.Photoeyes {
			if eye.Offset > line.ConveyorLength {
				return nil, fmt.Errorf("photoeye %s offset %.3f is beyond conveyor length", eye.Tag, eye.Offset)
			}
			sensorName := fmt.Sprintf("photoeye_%d_%d", i, j+1)
			tag := types.TagDefinition{
				LogicalName: sensorName,
				Address:     line.ConveyorAddress(i, eye.Tag),
				DataType:    types.DataTypeBoolean,
				Direction:   types.DirectionWrite,
			}
			layout.Sensors = append(layout.Sensors, SensorSpec{
				Tag: tag,
				Sensor: types.SensorConfig{
					Name:     sensorName,
					Position: start + eye.Offset,
					RangeMin: line.PhotoeyeRange.Min,
					RangeMax: line.PhotoeyeRange.Max,
				},
			})

			// first eye is the belt entry, last eye the exit
			if j == 0 {
				conveyorTags.Entry = tag.Address
			}
			if j == len(line.Photoeyes)-1 {
				conveyorTags.Exit = tag.Address
			}
		}
		program.Conveyors = append(program.Conveyors, conveyorTags)
	}

	for _, ind := range p.Indicators {
		tag := types.TagDefinition{
			LogicalName: ind.Name,
			Address:     line.Address(ind.Tag),
			DataType:    types.DataTypeBoolean,
			Direction:   types.DirectionRead,
		}
		layout.Indicators = append(layout.Indicators, IndicatorSpec{Tag: tag, Indicator: ind.Name})
		layout.Scene.Indicators = append(layout.Scene.Indicators, ind.Name)

		if program.ProcessActive == "" && strings.EqualFold(ind.Tag, "processActive") {
			program.ProcessActive = tag.Address
		}
	}

	if p.Spawn.ReadyTag != "" {
		layout.Ready = &types.TagDefinition{
			LogicalName: "ready_to_receive",
			Address:     line.Address(p.Spawn.ReadyTag),
			DataType:    types.DataTypeBoolean,
			Direction:   types.DirectionRead,
		}
		program.ReadyToReceive = layout.Ready.Address
	}
	if p.Simulator.CounterTag != "" {
		program.Counter = line.Address(p.Simulator.CounterTag)
	}
	if p.Simulator.CountUpTag != "" {
		program.CountUp = line.Address(p.Simulator.CountUpTag)
	}
	layout.Program = program

	c.logger.Info("Cell composition complete",
		zap.String("profile", p.Profile.ID),
		zap.Int("actuators", len(layout.Actuators)),
		zap.Int("sensors", len(layout.Sensors)),
		zap.Int("indicators", len(layout.Indicators)))

	return layout, nil
}

// Policy builds a fresh spawn policy from the profile's spawn section.
func (l *Layout) Policy() (bridge.SpawnPolicy, error) {
	switch l.Spawn.Policy {
	case bridge.PolicyReadyToReceive:
		if l.Ready == nil {
			return nil, fmt.Errorf("policy %s needs a ready tag", l.Spawn.Policy)
		}
		return bridge.NewReadyToReceive(*l.Ready)
	case bridge.PolicyFixedInterval:
		return bridge.NewFixedInterval(l.Spawn.Interval)
	default:
		return nil, fmt.Errorf("unknown spawn policy %q", l.Spawn.Policy)
	}
}

// BridgeConfig binds the layout's tags to the devices of scene.
func (l *Layout) BridgeConfig(scene *cell.Scene, endpoint types.Endpoint) (bridge.Config, error) {
	cfg := bridge.Config{Endpoint: endpoint}

	for _, a := range l.Actuators {
		conveyor, ok := scene.Conveyor(a.Conveyor)
		if !ok {
			return bridge.Config{}, fmt.Errorf("scene has no conveyor %s", a.Conveyor)
		}
		cfg.Actuators = append(cfg.Actuators, bridge.ActuatorBinding{Tag: a.Tag, Sink: conveyor})
	}
	for _, ind := range l.Indicators {
		light, ok := scene.Indicator(ind.Indicator)
		if !ok {
			return bridge.Config{}, fmt.Errorf("scene has no indicator %s", ind.Indicator)
		}
		cfg.Indicators = append(cfg.Indicators, bridge.IndicatorBinding{Tag: ind.Tag, Sink: light})
	}
	for _, s := range l.Sensors {
		cfg.Sensors = append(cfg.Sensors, bridge.SensorBinding{Tag: s.Tag, Sensor: s.Sensor, Probe: scene})
	}

	policy, err := l.Policy()
	if err != nil {
		return bridge.Config{}, err
	}
	cfg.Policy = policy
	return cfg, nil
}

// Tags lists every tag the layout touches, in binding order.
func (l *Layout) Tags() []types.TagDefinition {
	var tags []types.TagDefinition
	for _, a := range l.Actuators {
		tags = append(tags, a.Tag)
	}
	for _, ind := range l.Indicators {
		tags = append(tags, ind.Tag)
	}
	for _, s := range l.Sensors {
		tags = append(tags, s.Tag)
	}
	if l.Ready != nil {
		tags = append(tags, *l.Ready)
	}
	return tags
}
