package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/opcua"
	"github.com/KevinKickass/OpenMachineBridge/internal/plcsim"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	speedAddr   types.NodeAddress = "ns=6;s=::Logic:conveyor[0].io.aoSpeed"
	counterAddr types.NodeAddress = "ns=6;s=::Logic:counter"
	eyeAddr     types.NodeAddress = "ns=6;s=::Logic:conveyor[0].io.diPhotoeye1"
	lightAddr   types.NodeAddress = "ns=6;s=::Logic:processActive"
	readyAddr   types.NodeAddress = "ns=6;s=::Logic:conveyor[0].out.readyToReceive"
)

var testEndpoint = types.Endpoint{Host: "localhost", Port: 4840, Username: "Admin", Password: "password"}

type fakeSink struct {
	applied []float64
}

func (s *fakeSink) Apply(v float64) { s.applied = append(s.applied, v) }

func (s *fakeSink) last() float64 {
	if len(s.applied) == 0 {
		return 0
	}
	return s.applied[len(s.applied)-1]
}

type fakeLight struct{ active bool }

func (l *fakeLight) SetActive(active bool) { l.active = active }

type fakeProbe struct{ blocked bool }

func (p *fakeProbe) Probe(types.SensorConfig) bool { return p.blocked }

type fixture struct {
	server  *plcsim.Server
	bridge  *DeviceBridge
	speed   *fakeSink
	counter *fakeSink
	light   *fakeLight
	probe   *fakeProbe
}

func connectTo(s *plcsim.Server) ConnectFunc {
	return func(ctx context.Context, ep types.Endpoint) (Session, error) {
		session, err := s.Connect(ctx, ep)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func newFixture(t *testing.T, policy SpawnPolicy) *fixture {
	t.Helper()

	server := plcsim.NewServer()
	server.AddUser("Admin", "password")
	require.NoError(t, server.Define(speedAddr, types.DoubleValue(0.25)))
	require.NoError(t, server.Define(counterAddr, types.ByteValue(20)))
	require.NoError(t, server.Define(eyeAddr, types.BoolValue(false)))
	require.NoError(t, server.Define(lightAddr, types.BoolValue(true)))
	require.NoError(t, server.Define(readyAddr, types.BoolValue(false)))

	f := &fixture{
		server:  server,
		speed:   &fakeSink{},
		counter: &fakeSink{},
		light:   &fakeLight{},
		probe:   &fakeProbe{},
	}

	b, err := New(connectTo(server), Config{
		Endpoint: testEndpoint,
		Actuators: []ActuatorBinding{
			{Tag: types.TagDefinition{LogicalName: "conveyor_0", Address: speedAddr, DataType: types.DataTypeDouble, Direction: types.DirectionRead}, Sink: f.speed},
			{Tag: types.TagDefinition{LogicalName: "counter", Address: counterAddr, DataType: types.DataTypeByte, Direction: types.DirectionRead}, Sink: f.counter},
		},
		Indicators: []IndicatorBinding{
			{Tag: types.TagDefinition{LogicalName: "process_active", Address: lightAddr, DataType: types.DataTypeBoolean, Direction: types.DirectionRead}, Sink: f.light},
		},
		Sensors: []SensorBinding{
			{
				Tag:    types.TagDefinition{LogicalName: "photoeye_0_1", Address: eyeAddr, DataType: types.DataTypeBoolean, Direction: types.DirectionWrite},
				Sensor: types.SensorConfig{Name: "photoeye_0_1", RangeMax: 0.8},
				Probe:  f.probe,
			},
		},
		Policy: policy,
	}, zap.NewNop())
	require.NoError(t, err)
	f.bridge = b
	return f
}

func (f *fixture) eye(t *testing.T) bool {
	t.Helper()
	v, ok := f.server.Get(eyeAddr)
	require.True(t, ok)
	return v.Bool()
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	connect := connectTo(plcsim.NewServer())
	tag := types.TagDefinition{LogicalName: "a", Address: speedAddr, DataType: types.DataTypeDouble, Direction: types.DirectionRead}

	_, err := New(connect, Config{Actuators: []ActuatorBinding{{Tag: tag, Sink: &fakeSink{}}, {Tag: tag, Sink: &fakeSink{}}}}, zap.NewNop())
	assert.ErrorContains(t, err, "duplicate logical name")

	wrongDir := tag
	wrongDir.Direction = types.DirectionWrite
	_, err = New(connect, Config{Actuators: []ActuatorBinding{{Tag: wrongDir, Sink: &fakeSink{}}}}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(connect, Config{Sensors: []SensorBinding{{Tag: tag, Probe: &fakeProbe{}}}}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(nil, Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestTickWhileDisconnected(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.bridge.Tick(context.Background(), 1.0/60)
	require.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, StateDisconnected, report.State)
	assert.Empty(t, f.speed.applied)
}

func TestStartAuthRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.bridge.cfg.Endpoint.Password = "nope"

	err := f.bridge.Start(context.Background())
	require.ErrorIs(t, err, opcua.ErrAuthRejected)
	assert.Equal(t, StateError, f.bridge.State())
	assert.ErrorIs(t, f.bridge.LastError(), opcua.ErrAuthRejected)
	assert.NotEqual(t, StateDisconnected, f.bridge.State())

	_, err = f.bridge.Tick(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestStartResolveFailureClosesSession(t *testing.T) {
	f := newFixture(t, nil)
	f.bridge.cfg.Actuators[0].Tag.Address = "ns=6;s=::Logic:doesNotExist"

	err := f.bridge.Start(context.Background())
	require.ErrorIs(t, err, opcua.ErrNotFound)
	assert.Equal(t, StateError, f.bridge.State())
	assert.Zero(t, f.server.SessionCount())
	assert.Empty(t, f.bridge.Bindings())
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.bridge.Start(context.Background()))
	assert.ErrorIs(t, f.bridge.Start(context.Background()), ErrAlreadyActive)
	assert.Equal(t, 1, f.server.SessionCount())
	assert.Len(t, f.bridge.Bindings(), 4)
}

func TestTickForwardsValues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))

	f.probe.blocked = true
	report, err := f.bridge.Tick(ctx, 1.0/60)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), report.Seq)
	assert.Equal(t, StateActive, report.State)
	assert.Empty(t, report.Failures())
	assert.False(t, report.Degraded)
	assert.InDelta(t, 0.25, f.speed.last(), 1e-9)
	assert.InDelta(t, 20, f.counter.last(), 1e-9)
	assert.True(t, f.light.active)
	assert.True(t, f.eye(t))

	res, ok := report.Result("counter")
	require.True(t, ok)
	require.NotNil(t, res.Value)
	assert.Equal(t, types.DataTypeByte, res.Value.Type)
	assert.Equal(t, uint8(20), res.Value.Byte())
}

func TestActuatorFailureKeepsLastCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))

	_, err := f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	require.Len(t, f.speed.applied, 1)

	f.server.FailNode(speedAddr, opcua.ErrTimeout)
	require.NoError(t, f.server.Set(counterAddr, types.ByteValue(21)))

	report, err := f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateActive, f.bridge.State())
	assert.Len(t, f.speed.applied, 1, "sink must not see a value after a failed read")
	assert.InDelta(t, 0.25, f.speed.last(), 1e-9)
	assert.InDelta(t, 21, f.counter.last(), 1e-9)

	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "conveyor_0", failures[0].Name)
	assert.ErrorIs(t, failures[0].Err, opcua.ErrTimeout)
}

func TestSensorWriteFailureStillUpdatesState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))

	f.server.FailNode(eyeAddr, opcua.ErrTimeout)
	f.probe.blocked = true

	report, err := f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateActive, f.bridge.State())

	want := []SensorState{{Name: "photoeye_0_1", Triggered: true, Edge: RisingEdge}}
	if diff := cmp.Diff(want, report.Sensors); diff != "" {
		t.Errorf("sensor states mismatch (-want +got):\n%s", diff)
	}
	res, ok := report.Result("photoeye_0_1")
	require.True(t, ok)
	assert.False(t, res.OK())
	assert.False(t, f.eye(t))
}

func TestSensorEdges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))

	var got []Edge
	for _, blocked := range []bool{false, true, true, false, false} {
		f.probe.blocked = blocked
		report, err := f.bridge.Tick(ctx, 1)
		require.NoError(t, err)
		got = append(got, report.Sensors[0].Edge)
		assert.Equal(t, blocked, f.eye(t))
	}
	want := []Edge{Steady, RisingEdge, Steady, FallingEdge, Steady}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionLossMovesToError(t *testing.T) {
	policy, err := NewFixedInterval(1)
	require.NoError(t, err)
	f := newFixture(t, policy)
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))

	var transitions []State
	f.bridge.cfg.OnStateChange = func(_, to State, _ error) { transitions = append(transitions, to) }

	f.server.DropSessions()
	f.probe.blocked = true

	report, err := f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.False(t, report.SpawnRequested)
	assert.Equal(t, StateError, report.State)
	assert.Equal(t, StateError, f.bridge.State())
	assert.True(t, opcua.IsSessionLost(f.bridge.LastError()))
	assert.Equal(t, []State{StateError}, transitions)

	// every binding is reported, the remaining ones as skipped
	assert.Len(t, report.Failures(), 4)
	assert.True(t, f.bridge.SensorStates()[0].Triggered)
	assert.Empty(t, f.speed.applied)

	_, err = f.bridge.Tick(ctx, 1)
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, f.bridge.Start(ctx))
	assert.Equal(t, StateActive, f.bridge.State())
	assert.Nil(t, f.bridge.LastError())
	assert.False(t, f.bridge.SensorStates()[0].Triggered)
	assert.Equal(t, []State{StateError, StateConnecting, StateActive}, transitions)
}

func TestStopIsIdempotentAndResets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.bridge.Stop(ctx))
	assert.Equal(t, StateDisconnected, f.bridge.State())

	require.NoError(t, f.bridge.Start(ctx))
	f.probe.blocked = true
	_, err := f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	require.True(t, f.bridge.SensorStates()[0].Triggered)

	require.NoError(t, f.bridge.Stop(ctx))
	require.NoError(t, f.bridge.Stop(ctx))
	assert.Equal(t, StateDisconnected, f.bridge.State())
	assert.Zero(t, f.server.SessionCount())
	assert.False(t, f.bridge.SensorStates()[0].Triggered)

	require.NoError(t, f.bridge.Start(ctx))
	report, err := f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Seq)
	assert.Equal(t, RisingEdge, report.Sensors[0].Edge)
}

func TestReadyToReceiveSequence(t *testing.T) {
	policy, err := NewReadyToReceive(types.TagDefinition{
		LogicalName: "ready_to_receive", Address: readyAddr,
		DataType: types.DataTypeBoolean, Direction: types.DirectionRead,
	})
	require.NoError(t, err)
	f := newFixture(t, policy)
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))

	var fired []int
	for i, ready := range []bool{false, false, true, true, true, false, true} {
		require.NoError(t, f.server.Set(readyAddr, types.BoolValue(ready)))
		report, err := f.bridge.Tick(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, PolicyReadyToReceive, report.Policy)
		if report.SpawnRequested {
			fired = append(fired, i)
		}
	}
	assert.Equal(t, []int{2, 6}, fired)
}

func TestReadyToReceiveHoldsOnReadFailure(t *testing.T) {
	policy, err := NewReadyToReceive(types.TagDefinition{
		LogicalName: "ready_to_receive", Address: readyAddr,
		DataType: types.DataTypeBoolean, Direction: types.DirectionRead,
	})
	require.NoError(t, err)
	f := newFixture(t, policy)
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))

	require.NoError(t, f.server.Set(readyAddr, types.BoolValue(true)))
	report, err := f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	require.True(t, report.SpawnRequested)

	f.server.FailNode(readyAddr, opcua.ErrTimeout)
	require.NoError(t, f.server.Set(readyAddr, types.BoolValue(false)))
	report, err = f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	assert.False(t, report.SpawnRequested)
	assert.True(t, policy.Spawning())

	f.server.ClearFault(readyAddr)
	require.NoError(t, f.server.Set(readyAddr, types.BoolValue(true)))
	report, err = f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	assert.False(t, report.SpawnRequested, "latch held across the failed read")
}

func TestOverrunIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.bridge.cfg.StepBudget = 16 * time.Millisecond
	clock := time.Unix(0, 0)
	f.bridge.now = func() time.Time {
		clock = clock.Add(20 * time.Millisecond)
		return clock
	}
	ctx := context.Background()
	require.NoError(t, f.bridge.Start(ctx))

	report, err := f.bridge.Tick(ctx, 1)
	require.NoError(t, err)
	assert.True(t, report.Overrun)
	assert.Equal(t, 20*time.Millisecond, report.Duration)
	assert.Equal(t, StateActive, f.bridge.State())
}

type stuckSession struct {
	Session
	release chan struct{}
}

func (s *stuckSession) Close(ctx context.Context) error {
	<-s.release
	return nil
}

func TestStopBoundedByCloseTimeout(t *testing.T) {
	stuck := &stuckSession{release: make(chan struct{})}
	defer close(stuck.release)

	b, err := New(func(context.Context, types.Endpoint) (Session, error) { return stuck, nil },
		Config{Endpoint: testEndpoint, CloseTimeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	started := time.Now()
	err = b.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, StateDisconnected, b.State())
}
