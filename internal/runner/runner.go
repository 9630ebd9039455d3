// Package runner drives the bridge and the cell at a fixed rate. It is the
// only goroutine that ever touches the bridge; start and stop requests from
// the API are queued as commands and executed between ticks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/cell"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotRunning = errors.New("runner is not running")

type Config struct {
	TickInterval time.Duration
	// AutoStart starts the bridge as soon as Run begins.
	AutoStart bool
	// RetryInterval, if positive, restarts a bridge that fell into Error
	// after a start command. Zero leaves recovery to the operator.
	RetryInterval time.Duration
}

type request struct {
	cmd   Command
	reply chan error
}

type Runner struct {
	bridge    *bridge.DeviceBridge
	scene     *cell.Scene
	cfg       Config
	logger    *zap.Logger
	observers []Observer
	now       func() time.Time

	commands chan request
	done     chan struct{}

	// owned by the run goroutine
	runID       uuid.UUID
	wantActive  bool
	lastAttempt time.Time
	// a requested spawn that found the spawn point occupied; retried every
	// tick until it fits
	spawnPending bool

	mu         sync.RWMutex
	status     Status
	lastReport *bridge.TickReport
	sensors    []bridge.SensorState
}

// New builds the bridge from bcfg and takes ownership of it. Any
// OnStateChange hook in bcfg still runs, after the runner has recorded the
// transition.
func New(connect bridge.ConnectFunc, bcfg bridge.Config, scene *cell.Scene, cfg Config, logger *zap.Logger, observers ...Observer) (*Runner, error) {
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive, got %s", cfg.TickInterval)
	}

	r := &Runner{
		scene:     scene,
		cfg:       cfg,
		logger:    logger,
		observers: observers,
		now:       time.Now,
		commands:  make(chan request),
		done:      make(chan struct{}),
	}

	hook := bcfg.OnStateChange
	bcfg.OnStateChange = func(from, to bridge.State, err error) {
		r.onStateChange(from, to, err)
		if hook != nil {
			hook(from, to, err)
		}
	}

	b, err := bridge.New(connect, bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	r.bridge = b
	r.status = Status{State: b.State(), LastStateChange: r.now()}
	if bcfg.Policy != nil {
		r.status.Policy = bcfg.Policy.Name()
	}
	r.sensors = b.SensorStates()
	return r, nil
}

// Run ticks until ctx is cancelled, then stops the bridge. It must be called
// once.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)

	r.setRunning(true)
	defer r.setRunning(false)

	r.logger.Info("Runner started",
		zap.Duration("tick_interval", r.cfg.TickInterval),
		zap.Bool("auto_start", r.cfg.AutoStart))

	if r.cfg.AutoStart {
		if err := r.handle(ctx, CommandStart); err != nil {
			r.logger.Warn("Auto start failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	dt := r.cfg.TickInterval.Seconds()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case req := <-r.commands:
			req.reply <- r.handle(ctx, req.cmd)
		case <-ticker.C:
			r.step(ctx, dt)
		}
	}
}

// Execute queues cmd for the run goroutine and waits for its result.
func (r *Runner) Execute(ctx context.Context, cmd Command) error {
	req := request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case r.commands <- req:
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) handle(ctx context.Context, cmd Command) error {
	r.logger.Info("Runner command received",
		zap.String("command", string(cmd)),
		zap.String("bridge_state", r.bridge.State().String()))

	switch cmd {
	case CommandStart:
		r.wantActive = true
		return r.start(ctx)
	case CommandStop:
		r.wantActive = false
		r.spawnPending = false
		return r.bridge.Stop(context.Background())
	case CommandReset:
		r.scene.Reset()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (r *Runner) start(ctx context.Context) error {
	if r.bridge.State() == bridge.StateActive {
		return bridge.ErrAlreadyActive
	}
	r.runID = uuid.New()
	r.lastAttempt = r.now()
	r.spawnPending = false

	r.mu.Lock()
	r.status.RunID = r.runID
	r.mu.Unlock()

	return r.bridge.Start(ctx)
}

func (r *Runner) step(ctx context.Context, dt float64) {
	if r.bridge.State() != bridge.StateActive {
		r.scene.Step(dt)
		r.maybeRetry(ctx)
		return
	}

	report, err := r.bridge.Tick(ctx, dt)
	if err != nil {
		r.logger.Error("Tick rejected", zap.Error(err))
		return
	}

	var deferred bool
	if report.SpawnRequested {
		// folded into the spawn that is already waiting
		deferred = r.spawnPending
		r.spawnPending = true
	}

	var spawned bool
	if r.spawnPending {
		spawned = r.spawn(report)
		deferred = deferred || (report.SpawnRequested && !spawned)
	}

	r.scene.Step(dt)
	r.record(report, spawned, deferred)

	for _, o := range r.observers {
		o.OnTick(report)
	}
}

// spawn places the pending product. A blocked spawn point keeps it pending
// so the request is carried to the next tick instead of lost.
func (r *Runner) spawn(report bridge.TickReport) bool {
	product, err := r.scene.Spawn()
	if err != nil {
		if !errors.Is(err, cell.ErrSpawnBlocked) {
			r.spawnPending = false
			r.logger.Error("Spawn failed", zap.Uint64("seq", report.Seq), zap.Error(err))
			return false
		}
		if report.SpawnRequested {
			r.logger.Debug("Spawn deferred", zap.Uint64("seq", report.Seq), zap.Error(err))
		}
		return false
	}

	r.spawnPending = false
	r.logger.Info("Product spawned", zap.String("product", product.Name), zap.Uint64("seq", report.Seq))
	event := SpawnEvent{RunID: r.runID, Seq: report.Seq, Product: product}
	for _, o := range r.observers {
		o.OnSpawn(event)
	}
	return true
}

func (r *Runner) maybeRetry(ctx context.Context) {
	if r.cfg.RetryInterval <= 0 || !r.wantActive || r.bridge.State() != bridge.StateError {
		return
	}
	if r.now().Sub(r.lastAttempt) < r.cfg.RetryInterval {
		return
	}
	r.logger.Info("Retrying bridge start", zap.Error(r.bridge.LastError()))
	if err := r.start(ctx); err != nil {
		r.logger.Warn("Bridge restart failed", zap.Error(err))
	}
}

func (r *Runner) record(report bridge.TickReport, spawned, deferred bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Ticks++
	r.status.LastTick = r.now()
	if report.Overrun {
		r.status.Overruns++
	}
	if report.Degraded {
		r.status.DegradedTicks++
	}
	if spawned {
		r.status.Spawned++
	}
	if deferred {
		r.status.SpawnBlocked++
	}
	r.status.SpawnPending = r.spawnPending
	r.lastReport = &report
	r.sensors = report.Sensors
}

func (r *Runner) onStateChange(from, to bridge.State, err error) {
	change := StateChange{RunID: r.runID, From: from, To: to, Err: err, At: r.now()}
	if err != nil {
		change.Error = err.Error()
	}

	r.mu.Lock()
	r.status.State = to
	r.status.ErrorMessage = change.Error
	r.status.LastStateChange = change.At
	if to == bridge.StateDisconnected {
		r.sensors = r.bridge.SensorStates()
	}
	r.mu.Unlock()

	for _, o := range r.observers {
		o.OnStateChange(change)
	}
}

func (r *Runner) shutdown() {
	if err := r.bridge.Stop(context.Background()); err != nil {
		r.logger.Warn("Bridge stop on shutdown failed", zap.Error(err))
	}
	r.logger.Info("Runner stopped")
}

func (r *Runner) setRunning(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Running = running
}

func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runner) LastReport() (bridge.TickReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastReport == nil {
		return bridge.TickReport{}, false
	}
	return *r.lastReport, true
}

func (r *Runner) SensorStates() []bridge.SensorState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]bridge.SensorState, len(r.sensors))
	copy(out, r.sensors)
	return out
}

func (r *Runner) Scene() *cell.Scene { return r.scene }

// CellSnapshot is the host-side view of the cell, safe to call from any
// goroutine.
func (r *Runner) CellSnapshot() cell.Snapshot { return r.scene.Snapshot() }
