// Package system assembles the service: profile, cell, PLC connection,
// runner and the API servers, and runs them until the context ends.
package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/api/health"
	"github.com/KevinKickass/OpenMachineBridge/internal/api/rest"
	"github.com/KevinKickass/OpenMachineBridge/internal/api/websocket"
	"github.com/KevinKickass/OpenMachineBridge/internal/auth"
	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/cell"
	"github.com/KevinKickass/OpenMachineBridge/internal/config"
	"github.com/KevinKickass/OpenMachineBridge/internal/interfaces"
	"github.com/KevinKickass/OpenMachineBridge/internal/metrics"
	"github.com/KevinKickass/OpenMachineBridge/internal/opcua"
	"github.com/KevinKickass/OpenMachineBridge/internal/plcsim"
	"github.com/KevinKickass/OpenMachineBridge/internal/profile"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"github.com/KevinKickass/OpenMachineBridge/internal/storage"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	layout  *profile.Layout
	scene   *cell.Scene
	runner  *runner.Runner
	plc     *plcsim.Server
	scanner *plcsim.Scanner

	storage  *storage.PostgresClient
	recorder *storage.Recorder

	hub         *websocket.Hub
	health      *health.Reporter
	authService *auth.AuthService

	restServer *rest.Server
	grpcServer *grpc.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error
}

// NewLifecycleManager builds every component from cfg. Only the event log
// touches the network here; the PLC is not contacted until the bridge starts.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		currentState: StateInitializing,
	}

	loader, err := profile.NewLoader(cfg.Profiles.SearchPaths)
	if err != nil {
		return nil, err
	}
	p, err := loader.Load(cfg.Profiles.Active)
	if err != nil {
		return nil, fmt.Errorf("failed to load cell profile: %w", err)
	}
	lm.layout, err = profile.NewComposer(logger).Compose(p)
	if err != nil {
		return nil, fmt.Errorf("failed to compose cell: %w", err)
	}

	lm.scene, err = cell.NewScene(lm.layout.Scene, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build cell: %w", err)
	}

	endpoint := cfg.OPCUA.Endpoint()
	connect, err := lm.connector(endpoint)
	if err != nil {
		lm.Close()
		return nil, err
	}

	bcfg, err := lm.layout.BridgeConfig(lm.scene, endpoint)
	if err != nil {
		lm.Close()
		return nil, fmt.Errorf("failed to bind cell: %w", err)
	}
	bcfg.StepBudget = cfg.Bridge.StepBudget
	bcfg.CloseTimeout = cfg.Bridge.CloseTimeout

	if cfg.Auth.Enabled {
		lm.authService, err = auth.NewAuthService(cfg.Auth, logger)
		if err != nil {
			lm.Close()
			return nil, fmt.Errorf("failed to create auth service: %w", err)
		}
	}

	var validator websocket.TokenValidator
	if lm.authService != nil {
		validator = lm.authService
	}
	lm.hub = websocket.NewHub(logger, validator, cfg.WebSocket.ReportEvery)
	lm.health = health.NewReporter(logger)

	observers := []runner.Observer{metrics.Observer{}, lm.health, lm.hub}

	if cfg.Database.Enabled {
		lm.storage, err = storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			lm.Close()
			return nil, fmt.Errorf("failed to connect event log: %w", err)
		}
		if err := lm.storage.EnsureSchema(ctx); err != nil {
			lm.Close()
			return nil, fmt.Errorf("failed to prepare event log: %w", err)
		}
		lm.recorder = storage.NewRecorder(lm.storage, cfg.Database.EventBuffer, logger)
		observers = append(observers, lm.recorder)
	}

	lm.runner, err = runner.New(connect, bcfg, lm.scene, runner.Config{
		TickInterval:  cfg.Bridge.TickInterval,
		AutoStart:     cfg.Bridge.AutoStart,
		RetryInterval: cfg.Bridge.RetryInterval,
	}, logger, observers...)
	if err != nil {
		lm.Close()
		return nil, err
	}
	lm.hub.SetStatusProvider(lm.runner)
	metrics.SetBridgeState(bridge.StateDisconnected)

	lm.restServer = rest.NewServer(cfg, lm, logger, lm.hub, lm.authService)
	lm.grpcServer = grpc.NewServer()
	lm.health.Register(lm.grpcServer)

	logger.Info("System assembled",
		zap.String("profile", lm.layout.ID),
		zap.String("endpoint", endpoint.Redacted()),
		zap.Bool("simulated", lm.plc != nil),
		zap.Bool("event_log", lm.storage != nil),
		zap.Bool("auth", lm.authService != nil))

	return lm, nil
}

// connector picks the PLC: the in-process simulator or a real OPC UA server.
func (lm *LifecycleManager) connector(endpoint types.Endpoint) (bridge.ConnectFunc, error) {
	if !lm.config.PLCSim.Enabled {
		opts := opcua.Options{
			DialTimeout:    lm.config.OPCUA.DialTimeout,
			RequestTimeout: lm.config.OPCUA.RequestTimeout,
		}
		return func(ctx context.Context, ep types.Endpoint) (bridge.Session, error) {
			session, err := opcua.Connect(ctx, ep, opts)
			if err != nil {
				return nil, err
			}
			return session, nil
		}, nil
	}

	lm.plc = plcsim.NewServer()
	lm.plc.AddUser(endpoint.Username, endpoint.Password)
	if err := lm.layout.Program.Install(lm.plc); err != nil {
		return nil, fmt.Errorf("failed to install simulated PLC program: %w", err)
	}
	lm.scanner = plcsim.NewScanner(lm.plc, lm.layout.Program, lm.config.PLCSim.ScanInterval, lm.logger)

	return func(ctx context.Context, ep types.Endpoint) (bridge.Session, error) {
		session, err := lm.plc.Connect(ctx, ep)
		if err != nil {
			return nil, err
		}
		return session, nil
	}, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down. The first component error is returned.
func (lm *LifecycleManager) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	if lm.scanner != nil {
		lm.scanner.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	lm.setState(StateRunning)

	g.Go(func() error { return lm.hub.Run(gctx) })
	g.Go(func() error { return lm.runner.Run(gctx) })
	g.Go(lm.restServer.Serve)
	g.Go(func() error {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return lm.gracefulShutdown()
	})

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort))

	err = g.Wait()
	if lm.scanner != nil {
		lm.scanner.Stop()
	}
	lm.Close()

	if err != nil {
		lm.setError(err)
		return err
	}
	lm.setState(StateStopped)
	return nil
}

func (lm *LifecycleManager) gracefulShutdown() error {
	lm.setState(StateStopping)
	lm.logger.Info("Shutting down system")

	timeout := lm.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lm.health.Shutdown()

	var restErr error
	if err := lm.restServer.Shutdown(ctx); err != nil {
		restErr = fmt.Errorf("rest api shutdown failed: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		lm.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing gRPC stop")
		lm.grpcServer.Stop()
		<-stopped
	}

	return restErr
}

// Close releases the event log. Safe to call more than once.
func (lm *LifecycleManager) Close() {
	if lm.recorder != nil {
		lm.recorder.Close()
	}
	if lm.storage != nil {
		lm.storage.Close()
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Debug("Ignoring system state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastErr = err
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	return interfaces.SystemStatus{
		State:            lm.currentState.String(),
		Profile:          lm.layout.ID,
		Simulated:        lm.plc != nil,
		Endpoint:         lm.config.OPCUA.Endpoint().Redacted(),
		EventLog:         lm.recorder != nil,
		ConnectedClients: lm.hub.GetClientCount(),
	}
}

func (lm *LifecycleManager) Bridge() interfaces.BridgeController { return lm.runner }

func (lm *LifecycleManager) Events() interfaces.EventLog {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}

// PLC is the simulated PLC, nil when a real server is configured.
func (lm *LifecycleManager) PLC() *plcsim.Server { return lm.plc }

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
