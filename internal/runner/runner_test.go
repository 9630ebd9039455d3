package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/cell"
	"github.com/KevinKickass/OpenMachineBridge/internal/plcsim"
	"github.com/KevinKickass/OpenMachineBridge/internal/profile"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var testEndpoint = types.Endpoint{Host: "localhost", Port: 4840, Username: "Admin", Password: "password"}

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
	ticks   int
	spawns  []SpawnEvent
}

func (r *recorder) OnStateChange(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) OnTick(bridge.TickReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
}

func (r *recorder) OnSpawn(e SpawnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawns = append(r.spawns, e)
}

func (r *recorder) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawns)
}

func (r *recorder) states() []bridge.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bridge.State
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

type harness struct {
	server  *plcsim.Server
	program plcsim.Program
	scanner *plcsim.Scanner
	runner  *Runner
	rec     *recorder
	cancel  context.CancelFunc
	done    chan error
}

func connectTo(s *plcsim.Server) bridge.ConnectFunc {
	return func(ctx context.Context, ep types.Endpoint) (bridge.Session, error) {
		session, err := s.Connect(ctx, ep)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// newHarness builds the full conveyor line against a simulated PLC.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	loader, err := profile.NewLoader([]string{"../../configs/profiles"})
	require.NoError(t, err)
	p, err := loader.Load("conveyor-line")
	require.NoError(t, err)
	layout, err := profile.NewComposer(zap.NewNop()).Compose(p)
	require.NoError(t, err)

	server := plcsim.NewServer()
	server.AddUser("Admin", "password")
	require.NoError(t, layout.Program.Install(server))
	scanner := plcsim.NewScanner(server, layout.Program, time.Millisecond, zap.NewNop())

	layout.Scene.Seed = 7
	scene, err := cell.NewScene(layout.Scene, zap.NewNop())
	require.NoError(t, err)
	bcfg, err := layout.BridgeConfig(scene, testEndpoint)
	require.NoError(t, err)

	rec := &recorder{}
	r, err := New(connectTo(server), bcfg, scene, cfg, zap.NewNop(), rec)
	require.NoError(t, err)

	return &harness{server: server, program: layout.Program, scanner: scanner, runner: r, rec: rec}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	h.scanner.Start()
	go func() { h.done <- h.runner.Run(ctx) }()
	require.Eventually(t, func() bool { return h.runner.Status().Running }, time.Second, time.Millisecond)
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	h.scanner.Stop()
}

func TestNewRejectsZeroInterval(t *testing.T) {
	scene, err := cell.NewScene(cell.Config{Conveyors: []cell.ConveyorConfig{{Name: "c", Length: 1}}}, zap.NewNop())
	require.NoError(t, err)
	_, err = New(connectTo(plcsim.NewServer()), bridge.Config{}, scene, Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("stop")
	assert.True(t, ok)
	assert.Equal(t, CommandStop, cmd)
	_, ok = ParseCommand("home")
	assert.False(t, ok)
}

func TestRunnerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Config{TickInterval: time.Millisecond})
	h.run(t)

	assert.Equal(t, bridge.StateDisconnected, h.runner.Status().State)

	ctx := context.Background()
	require.NoError(t, h.runner.Execute(ctx, CommandStart))
	status := h.runner.Status()
	assert.Equal(t, bridge.StateActive, status.State)
	assert.NotEqual(t, uuid.Nil, status.RunID)

	require.Eventually(t, func() bool { return h.runner.Status().Ticks > 5 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.runner.Execute(ctx, CommandStart), bridge.ErrAlreadyActive)

	report, ok := h.runner.LastReport()
	require.True(t, ok)
	assert.Len(t, report.Sensors, 10)
	assert.Len(t, h.runner.SensorStates(), 10)

	require.NoError(t, h.runner.Execute(ctx, CommandStop))
	assert.Equal(t, bridge.StateDisconnected, h.runner.Status().State)
	assert.Zero(t, h.server.SessionCount())
	assert.Equal(t, []bridge.State{bridge.StateConnecting, bridge.StateActive, bridge.StateDisconnected}, h.rec.states())

	require.NoError(t, h.runner.Execute(ctx, CommandReset))

	h.stop(t)
	assert.ErrorIs(t, h.runner.Execute(ctx, CommandStart), ErrNotRunning)
	assert.False(t, h.runner.Status().Running)
}

func TestRunnerSpawnsProducts(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Config{TickInterval: time.Millisecond, AutoStart: true})
	h.run(t)
	defer h.stop(t)

	require.Eventually(t, func() bool { return h.rec.spawnCount() > 0 }, 2*time.Second, time.Millisecond)

	status := h.runner.Status()
	assert.Equal(t, bridge.StateActive, status.State)
	assert.Equal(t, bridge.PolicyReadyToReceive, status.Policy)
	assert.GreaterOrEqual(t, status.Spawned, uint64(1))
	assert.NotEmpty(t, h.runner.Scene().Snapshot().Products)

	h.rec.mu.Lock()
	first := h.rec.spawns[0]
	h.rec.mu.Unlock()
	assert.Equal(t, status.RunID, first.RunID)
	assert.Regexp(t, `^product_\d+_\d+_\d+$`, first.Product.Name)
}

// Steps the default line by hand, one PLC scan per tick, so simulated time
// does not depend on the wall clock.
func TestRunnerKeepsFeedingLine(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Config{TickInterval: 16 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.runner.handle(ctx, CommandStart))
	defer h.runner.shutdown()

	const dt = 0.016
	for i := 0; i < int(30/dt); i++ {
		h.server.Update(h.program.Scan)
		h.runner.step(ctx, dt)
	}

	status := h.runner.Status()
	assert.Equal(t, bridge.StateActive, status.State)
	assert.GreaterOrEqual(t, status.Spawned, uint64(3))
	assert.Equal(t, int(status.Spawned), h.rec.spawnCount())
	// the entry eye clears before the previous product leaves the spawn
	// point, so every request after the first has to wait
	assert.NotZero(t, status.SpawnBlocked)
	assert.Equal(t, status.Spawned, h.runner.Scene().Snapshot().Spawned)
}

func TestRunnerDropsPendingSpawnOnStop(t *testing.T) {
	h := newHarness(t, Config{TickInterval: 16 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.runner.handle(ctx, CommandStart))

	h.server.Update(h.program.Scan)
	h.runner.step(ctx, 0.016)
	require.Equal(t, uint64(1), h.runner.Status().Spawned)

	h.runner.spawnPending = true
	h.runner.step(ctx, 0.016)
	assert.True(t, h.runner.Status().SpawnPending)

	require.NoError(t, h.runner.handle(ctx, CommandStop))
	assert.False(t, h.runner.spawnPending)
}

func TestRunnerReportsErrorDistinctly(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Config{TickInterval: time.Millisecond})
	h.server.SetReachable(false)
	h.run(t)
	defer h.stop(t)

	err := h.runner.Execute(context.Background(), CommandStart)
	require.Error(t, err)

	status := h.runner.Status()
	assert.Equal(t, bridge.StateError, status.State)
	assert.NotEmpty(t, status.ErrorMessage)
	assert.NotContains(t, status.ErrorMessage, "password")
}

func TestRunnerRetriesAfterSessionLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Config{TickInterval: time.Millisecond, AutoStart: true, RetryInterval: 5 * time.Millisecond})
	h.run(t)
	defer h.stop(t)

	require.Eventually(t, func() bool { return h.runner.Status().State == bridge.StateActive }, time.Second, time.Millisecond)
	firstRun := h.runner.Status().RunID

	h.server.DropSessions()
	require.Eventually(t, func() bool { return h.runner.Status().DegradedTicks > 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		s := h.runner.Status()
		return s.State == bridge.StateActive && s.RunID != firstRun
	}, time.Second, time.Millisecond)

	assert.Contains(t, h.rec.states(), bridge.StateError)
}
