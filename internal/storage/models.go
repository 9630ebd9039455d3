package storage

import (
	"time"

	"github.com/google/uuid"
)

// BridgeEvent is one lifecycle transition of the bridge.
type BridgeEvent struct {
	ID         uuid.UUID `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ProductRecord struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Name      string    `json:"name"`
	TickSeq   uint64    `json:"tick_seq"`
	Position  float64   `json:"position"`
	Yaw       float64   `json:"yaw"`
	Upright   bool      `json:"upright"`
	SpawnedAt time.Time `json:"spawned_at"`
}
