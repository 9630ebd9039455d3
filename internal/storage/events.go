package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (p *PostgresClient) InsertBridgeEvent(ctx context.Context, e BridgeEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bridge_events (id, run_id, from_state, to_state, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, nullableUUID(e.RunID), e.FromState, e.ToState, e.Error, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert bridge event: %w", err)
	}
	return nil
}

func (p *PostgresClient) InsertProduct(ctx context.Context, r ProductRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO spawned_products (id, run_id, name, tick_seq, position, yaw, upright, spawned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, nullableUUID(r.RunID), r.Name, int64(r.TickSeq), r.Position, r.Yaw, r.Upright, r.SpawnedAt)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// RecentBridgeEvents returns the newest transitions first.
func (p *PostgresClient) RecentBridgeEvents(ctx context.Context, limit int) ([]BridgeEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, COALESCE(run_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       from_state, to_state, error, occurred_at
		FROM bridge_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bridge events: %w", err)
	}
	defer rows.Close()

	events := make([]BridgeEvent, 0)
	for rows.Next() {
		var e BridgeEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.FromState, &e.ToState, &e.Error, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan bridge event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *PostgresClient) ProductsForRun(ctx context.Context, runID uuid.UUID) ([]ProductRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, name, tick_seq, position, yaw, upright, spawned_at
		FROM spawned_products
		WHERE run_id = $1
		ORDER BY tick_seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := make([]ProductRecord, 0)
	for rows.Next() {
		var r ProductRecord
		var seq int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Name, &seq, &r.Position, &r.Yaw, &r.Upright, &r.SpawnedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		r.TickSeq = uint64(seq)
		products = append(products, r)
	}
	return products, rows.Err()
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
