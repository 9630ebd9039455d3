package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/opcua"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"go.uber.org/zap"
)

const DefaultCloseTimeout = 2 * time.Second

var errSkipped = fmt.Errorf("skipped: %w", opcua.ErrDisconnected)

type ActuatorBinding struct {
	Tag  types.TagDefinition
	Sink ActuatorSink
}

type IndicatorBinding struct {
	Tag  types.TagDefinition
	Sink IndicatorSink
}

type SensorBinding struct {
	Tag    types.TagDefinition
	Sensor types.SensorConfig
	Probe  SensorProbe
}

type Config struct {
	Endpoint   types.Endpoint
	Actuators  []ActuatorBinding
	Indicators []IndicatorBinding
	Sensors    []SensorBinding
	// Policy may be nil, the bridge then never requests a spawn.
	Policy SpawnPolicy

	StepBudget   time.Duration
	CloseTimeout time.Duration

	OnStateChange func(from, to State, err error)
}

// TagBinding ties a tag definition to a node handle of the current session.
type TagBinding struct {
	Tag    types.TagDefinition
	Handle types.NodeHandle
}

// DeviceBridge synchronizes host devices with PLC tags, one Tick per
// simulation step. It is not safe for concurrent use: the caller owns it
// and must never enter Start, Tick or Stop from two goroutines.
type DeviceBridge struct {
	connect ConnectFunc
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	state   State
	lastErr error
	session Session

	actuators  []TagBinding
	indicators []TagBinding
	sensors    []TagBinding
	watched    []TagBinding

	sensorStates []SensorState
	seq          uint64
}

func New(connect ConnectFunc, cfg Config, logger *zap.Logger) (*DeviceBridge, error) {
	if connect == nil {
		return nil, errors.New("connect function is required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}

	b := &DeviceBridge{
		connect: connect,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		state:   StateDisconnected,
	}
	b.resetSensorStates()
	return b, nil
}

func validateConfig(cfg Config) error {
	seen := make(map[string]bool)
	unique := func(tag types.TagDefinition) error {
		if tag.LogicalName == "" {
			return fmt.Errorf("tag %s has no logical name", tag.Address)
		}
		if seen[tag.LogicalName] {
			return fmt.Errorf("duplicate logical name: %s", tag.LogicalName)
		}
		seen[tag.LogicalName] = true
		return nil
	}

	for _, a := range cfg.Actuators {
		if err := unique(a.Tag); err != nil {
			return err
		}
		if a.Tag.Direction != types.DirectionRead || !a.Tag.DataType.Numeric() {
			return fmt.Errorf("actuator %s must be a numeric read tag", a.Tag.LogicalName)
		}
		if a.Sink == nil {
			return fmt.Errorf("actuator %s has no sink", a.Tag.LogicalName)
		}
	}
	for _, ind := range cfg.Indicators {
		if err := unique(ind.Tag); err != nil {
			return err
		}
		if ind.Tag.Direction != types.DirectionRead || ind.Tag.DataType != types.DataTypeBoolean {
			return fmt.Errorf("indicator %s must be a boolean read tag", ind.Tag.LogicalName)
		}
		if ind.Sink == nil {
			return fmt.Errorf("indicator %s has no sink", ind.Tag.LogicalName)
		}
	}
	for _, s := range cfg.Sensors {
		if err := unique(s.Tag); err != nil {
			return err
		}
		if s.Tag.Direction != types.DirectionWrite || s.Tag.DataType != types.DataTypeBoolean {
			return fmt.Errorf("sensor %s must be a boolean write tag", s.Tag.LogicalName)
		}
		if s.Probe == nil {
			return fmt.Errorf("sensor %s has no probe", s.Tag.LogicalName)
		}
	}
	if cfg.Policy != nil {
		for _, tag := range cfg.Policy.Watches() {
			if err := unique(tag); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *DeviceBridge) State() State { return b.state }

// LastError is the failure that moved the bridge into Error.
func (b *DeviceBridge) LastError() error { return b.lastErr }

func (b *DeviceBridge) SensorStates() []SensorState {
	out := make([]SensorState, len(b.sensorStates))
	copy(out, b.sensorStates)
	return out
}

func (b *DeviceBridge) Bindings() []TagBinding {
	all := make([]TagBinding, 0, len(b.actuators)+len(b.indicators)+len(b.sensors)+len(b.watched))
	all = append(all, b.actuators...)
	all = append(all, b.indicators...)
	all = append(all, b.sensors...)
	return append(all, b.watched...)
}

// Start connects and resolves every tag. Any failure leaves the bridge in
// Error with no session; the caller decides whether to try again.
func (b *DeviceBridge) Start(ctx context.Context) error {
	switch b.state {
	case StateActive:
		return ErrAlreadyActive
	case StateError:
		if err := b.closeSession(ctx); err != nil {
			b.logger.Warn("Failed to close stale session", zap.Error(err))
		}
	}

	b.setState(StateConnecting, nil)
	b.logger.Info("Connecting bridge", zap.String("endpoint", b.cfg.Endpoint.Redacted()))

	session, err := b.connect(ctx, b.cfg.Endpoint)
	if err != nil {
		b.setState(StateError, err)
		return fmt.Errorf("start bridge: %w", err)
	}
	b.session = session

	if err := b.resolveAll(ctx); err != nil {
		if closeErr := b.closeSession(ctx); closeErr != nil {
			b.logger.Warn("Failed to close session after resolve failure", zap.Error(closeErr))
		}
		b.setState(StateError, err)
		return fmt.Errorf("start bridge: %w", err)
	}

	b.seq = 0
	b.resetSensorStates()
	if b.cfg.Policy != nil {
		b.cfg.Policy.Reset()
	}

	b.setState(StateActive, nil)
	b.logger.Info("Bridge active",
		zap.Int("actuators", len(b.actuators)),
		zap.Int("indicators", len(b.indicators)),
		zap.Int("sensors", len(b.sensors)))
	return nil
}

func (b *DeviceBridge) resolveAll(ctx context.Context) error {
	resolve := func(tags []types.TagDefinition) ([]TagBinding, error) {
		bindings := make([]TagBinding, 0, len(tags))
		for _, tag := range tags {
			handle, err := b.session.Resolve(ctx, tag.Address, tag.DataType)
			if err != nil {
				return nil, fmt.Errorf("binding %s: %w", tag.LogicalName, err)
			}
			bindings = append(bindings, TagBinding{Tag: tag, Handle: handle})
		}
		return bindings, nil
	}

	var err error
	if b.actuators, err = resolve(actuatorTags(b.cfg.Actuators)); err != nil {
		return err
	}
	if b.indicators, err = resolve(indicatorTags(b.cfg.Indicators)); err != nil {
		return err
	}
	if b.sensors, err = resolve(sensorTags(b.cfg.Sensors)); err != nil {
		return err
	}
	if b.cfg.Policy != nil {
		if b.watched, err = resolve(b.cfg.Policy.Watches()); err != nil {
			return err
		}
	}
	return nil
}

// Tick runs one synchronization pass. Per binding failures are recorded in
// the report and never abort the tick. Losing the session moves the bridge
// to Error and marks the report degraded.
func (b *DeviceBridge) Tick(ctx context.Context, dt float64) (TickReport, error) {
	if b.state != StateActive {
		return TickReport{Dt: dt, State: b.state}, fmt.Errorf("tick in state %s: %w", b.state, ErrNotActive)
	}

	started := b.now()
	b.seq++
	report := TickReport{
		Seq:     b.seq,
		Dt:      dt,
		Results: make([]BindingResult, 0, len(b.actuators)+len(b.indicators)+len(b.sensors)+len(b.watched)),
	}

	var lost error
	read := func(binding TagBinding, role Role) (types.Value, bool) {
		res := BindingResult{Name: binding.Tag.LogicalName, Role: role, Direction: types.DirectionRead}
		if lost != nil {
			report.Results = append(report.Results, withErr(res, errSkipped))
			return types.Value{}, false
		}
		v, err := b.session.Read(ctx, binding.Handle, binding.Tag.DataType)
		if err != nil {
			if opcua.IsSessionLost(err) {
				lost = err
			}
			report.Results = append(report.Results, withErr(res, err))
			return types.Value{}, false
		}
		res.Value = &v
		report.Results = append(report.Results, res)
		return v, true
	}

	for i, binding := range b.actuators {
		if v, ok := read(binding, RoleActuator); ok {
			b.cfg.Actuators[i].Sink.Apply(v.Float64())
		}
	}

	for i, binding := range b.indicators {
		if v, ok := read(binding, RoleIndicator); ok {
			b.cfg.Indicators[i].Sink.SetActive(v.Bool())
		}
	}

	for i, binding := range b.sensors {
		sensor := b.cfg.Sensors[i]
		triggered := sensor.Probe.Probe(sensor.Sensor)

		state := &b.sensorStates[i]
		state.Edge = DetectEdge(state.Triggered, triggered)
		state.Triggered = triggered

		v := types.BoolValue(triggered)
		res := BindingResult{Name: binding.Tag.LogicalName, Role: RoleSensor, Direction: types.DirectionWrite, Value: &v}
		if lost != nil {
			report.Results = append(report.Results, withErr(res, errSkipped))
			continue
		}
		if err := b.session.Write(ctx, binding.Handle, v); err != nil {
			if opcua.IsSessionLost(err) {
				lost = err
			}
			res = withErr(res, err)
		}
		report.Results = append(report.Results, res)
	}

	if b.cfg.Policy != nil {
		report.Policy = b.cfg.Policy.Name()
		values := make(map[string]types.Value, len(b.watched))
		for _, binding := range b.watched {
			if v, ok := read(binding, RolePolicy); ok {
				values[binding.Tag.LogicalName] = v
			}
		}
		if lost == nil {
			report.SpawnRequested = b.cfg.Policy.Evaluate(PolicyInput{
				Dt:      dt,
				Values:  values,
				Sensors: b.SensorStates(),
			})
		}
	}

	report.Sensors = b.SensorStates()
	if lost != nil {
		report.Degraded = true
		b.logger.Error("PLC session lost during tick", zap.Uint64("seq", b.seq), zap.Error(lost))
		b.setState(StateError, lost)
	}

	report.State = b.state
	report.Duration = b.now().Sub(started)
	if b.cfg.StepBudget > 0 && report.Duration > b.cfg.StepBudget {
		report.Overrun = true
	}
	return report, nil
}

// Stop closes the session and discards bindings and sensor state. It can be
// called in any state and returns the close error, if any, after the bridge
// is already Disconnected.
func (b *DeviceBridge) Stop(ctx context.Context) error {
	if b.state == StateDisconnected && b.session == nil {
		return nil
	}

	err := b.closeSession(ctx)
	b.resetSensorStates()
	if b.cfg.Policy != nil {
		b.cfg.Policy.Reset()
	}
	b.setState(StateDisconnected, nil)

	if err != nil {
		b.logger.Warn("Session close failed", zap.Error(err))
		return fmt.Errorf("stop bridge: %w", err)
	}
	b.logger.Info("Bridge stopped")
	return nil
}

// closeSession is bounded by CloseTimeout even if the session ignores its
// context.
func (b *DeviceBridge) closeSession(ctx context.Context) error {
	session := b.session
	b.session = nil
	b.actuators, b.indicators, b.sensors, b.watched = nil, nil, nil, nil
	if session == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CloseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Close(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("close session: %w", ctx.Err())
	}
}

func (b *DeviceBridge) resetSensorStates() {
	b.sensorStates = make([]SensorState, len(b.cfg.Sensors))
	for i, s := range b.cfg.Sensors {
		b.sensorStates[i] = SensorState{Name: s.Tag.LogicalName}
	}
}

func (b *DeviceBridge) setState(to State, cause error) {
	from := b.state
	if from == to {
		return
	}
	if err := ValidateTransition(from, to); err != nil {
		b.logger.Error("Unexpected bridge transition", zap.Error(err))
	}

	b.state = to
	if to == StateError {
		b.lastErr = cause
	} else {
		b.lastErr = nil
	}

	b.logger.Info("Bridge state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Error(cause))

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to, cause)
	}
}

func withErr(res BindingResult, err error) BindingResult {
	res.Err = err
	res.Error = err.Error()
	return res
}

func actuatorTags(bindings []ActuatorBinding) []types.TagDefinition {
	tags := make([]types.TagDefinition, len(bindings))
	for i, b := range bindings {
		tags[i] = b.Tag
	}
	return tags
}

func indicatorTags(bindings []IndicatorBinding) []types.TagDefinition {
	tags := make([]types.TagDefinition, len(bindings))
	for i, b := range bindings {
		tags[i] = b.Tag
	}
	return tags
}

func sensorTags(bindings []SensorBinding) []types.TagDefinition {
	tags := make([]types.TagDefinition, len(bindings))
	for i, b := range bindings {
		tags[i] = b.Tag
	}
	return tags
}
