package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenMachineBridge/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_events (
	id          UUID PRIMARY KEY,
	run_id      UUID,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bridge_events_occurred_at ON bridge_events (occurred_at DESC);

CREATE TABLE IF NOT EXISTS spawned_products (
	id         UUID PRIMARY KEY,
	run_id     UUID,
	name       TEXT NOT NULL,
	tick_seq   BIGINT NOT NULL,
	position   DOUBLE PRECISION NOT NULL,
	yaw        DOUBLE PRECISION NOT NULL,
	upright    BOOLEAN NOT NULL,
	spawned_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS spawned_products_run ON spawned_products (run_id);
`

// EnsureSchema creates the event log tables if they do not exist.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
