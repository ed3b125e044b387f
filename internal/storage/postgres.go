package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KevinKickass/OpenPNIO/internal/config"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

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

const schema = `
CREATE TABLE IF NOT EXISTS rtus (
	id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	name            TEXT NOT NULL UNIQUE,
	station_name    TEXT NOT NULL,
	mac             MACADDR NOT NULL,
	ip              INET NOT NULL,
	vendor_id       INTEGER NOT NULL DEFAULT 0,
	device_id       INTEGER NOT NULL DEFAULT 0,
	instance_id     INTEGER NOT NULL DEFAULT 1,
	profile         TEXT NOT NULL,
	input_frame_id  INTEGER NOT NULL DEFAULT 0,
	output_frame_id INTEGER NOT NULL DEFAULT 0,
	auto_connect    BOOLEAN NOT NULL DEFAULT false,
	enabled         BOOLEAN NOT NULL DEFAULT true,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ar_transitions (
	id          BIGSERIAL PRIMARY KEY,
	rtu_name    TEXT NOT NULL,
	ar_uuid     UUID NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ar_transitions_rtu_idx ON ar_transitions (rtu_name, occurred_at DESC);
`

// Migrate creates the tables if they do not exist.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
