package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/cell"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu       sync.Mutex
	events   []BridgeEvent
	products []ProductRecord

	entered chan struct{}
	release chan struct{}
	fail    error
}

func (m *memoryStore) wait() {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}
}

func (m *memoryStore) InsertBridgeEvent(_ context.Context, e BridgeEvent) error {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.fail
}

func (m *memoryStore) InsertProduct(_ context.Context, r ProductRecord) error {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = append(m.products, r)
	return m.fail
}

func TestRecorderWritesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memoryStore{}
	rec := NewRecorder(store, 8, zap.NewNop())

	runID := uuid.New()
	at := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	rec.OnStateChange(runner.StateChange{RunID: runID, From: bridge.StateConnecting, To: bridge.StateError, Error: "start bridge: refused", At: at})
	rec.OnTick(bridge.TickReport{Seq: 1})
	rec.OnSpawn(runner.SpawnEvent{RunID: runID, Seq: 3, Product: cell.Product{
		ID: uuid.New(), Name: "product_1_2_3", Position: -1.64879, Upright: true, Created: at,
	}})
	rec.Close()
	rec.Close()

	require.Len(t, store.events, 1)
	assert.Equal(t, runID, store.events[0].RunID)
	assert.Equal(t, "CONNECTING", store.events[0].FromState)
	assert.Equal(t, "ERROR", store.events[0].ToState)
	assert.Equal(t, "start bridge: refused", store.events[0].Error)

	require.Len(t, store.products, 1)
	assert.Equal(t, "product_1_2_3", store.products[0].Name)
	assert.Equal(t, uint64(3), store.products[0].TickSeq)
	assert.True(t, store.products[0].Upright)
	assert.Zero(t, rec.Dropped())
}

func TestRecorderDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memoryStore{entered: make(chan struct{}), release: make(chan struct{})}
	rec := NewRecorder(store, 1, zap.NewNop())

	rec.OnStateChange(runner.StateChange{To: bridge.StateConnecting})
	<-store.entered // writer is busy with the first event

	rec.OnStateChange(runner.StateChange{To: bridge.StateActive})       // buffered
	rec.OnStateChange(runner.StateChange{To: bridge.StateDisconnected}) // dropped
	assert.Equal(t, uint64(1), rec.Dropped())

	go func() {
		close(store.release)
		for range store.entered {
		}
	}()
	rec.Close()
	close(store.entered)

	require.Len(t, store.events, 2)
	assert.Equal(t, "ACTIVE", store.events[1].ToState)
}

func TestRecorderSurvivesStoreErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memoryStore{fail: errors.New("connection reset")}
	rec := NewRecorder(store, 4, zap.NewNop())
	rec.OnStateChange(runner.StateChange{To: bridge.StateConnecting})
	rec.OnStateChange(runner.StateChange{To: bridge.StateActive})
	rec.Close()

	assert.Len(t, store.events, 2)
}
