package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventStore is the write side of the event log.
type EventStore interface {
	InsertBridgeEvent(ctx context.Context, e BridgeEvent) error
	InsertProduct(ctx context.Context, r ProductRecord) error
}

// Recorder is a runner observer that writes lifecycle transitions and
// spawned products to an EventStore from its own goroutine, so a slow
// database never stalls a tick. Events are dropped when the buffer is full.
type Recorder struct {
	store   EventStore
	logger  *zap.Logger
	timeout time.Duration

	queue   chan func(ctx context.Context) error
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

func NewRecorder(store EventStore, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1
	}
	r := &Recorder{
		store:   store,
		logger:  logger,
		timeout: 2 * time.Second,
		queue:   make(chan func(ctx context.Context) error, buffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for write := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := write(ctx); err != nil {
			r.logger.Error("Event log write failed", zap.Error(err))
		}
		cancel()
	}
}

func (r *Recorder) enqueue(write func(ctx context.Context) error) {
	select {
	case r.queue <- write:
	default:
		r.dropped.Add(1)
		r.logger.Warn("Event log buffer full, event dropped")
	}
}

func (r *Recorder) OnStateChange(change runner.StateChange) {
	event := BridgeEvent{
		ID:         uuid.New(),
		RunID:      change.RunID,
		FromState:  change.From.String(),
		ToState:    change.To.String(),
		Error:      change.Error,
		OccurredAt: change.At,
	}
	r.enqueue(func(ctx context.Context) error { return r.store.InsertBridgeEvent(ctx, event) })
}

func (r *Recorder) OnTick(bridge.TickReport) {}

func (r *Recorder) OnSpawn(e runner.SpawnEvent) {
	record := ProductRecord{
		ID:        e.Product.ID,
		RunID:     e.RunID,
		Name:      e.Product.Name,
		TickSeq:   e.Seq,
		Position:  e.Product.Position,
		Yaw:       e.Product.Yaw,
		Upright:   e.Product.Upright,
		SpawnedAt: e.Product.Created,
	}
	r.enqueue(func(ctx context.Context) error { return r.store.InsertProduct(ctx, record) })
}

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close drains queued events and stops the writer. Observers must not be
// called after Close.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.queue)
		r.wg.Wait()
	})
}
