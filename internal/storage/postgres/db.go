// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool used by the stores. pgxmock pools satisfy it.
type DB interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Connect opens a pool using the provided config.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Schema creates every table the service writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS links (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	destinations JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS link_clicks (
	id          BIGSERIAL PRIMARY KEY,
	link_id     TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	country     TEXT,
	destination TEXT NOT NULL,
	latitude    DOUBLE PRECISION,
	longitude   DOUBLE PRECISION,
	clicked_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS link_clicks_link_id_clicked_at ON link_clicks (link_id, clicked_at);

CREATE TABLE IF NOT EXISTS destination_evaluations (
	id              TEXT PRIMARY KEY,
	link_id         TEXT NOT NULL,
	account_id      TEXT NOT NULL,
	destination_url TEXT NOT NULL,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL,
	html_path       TEXT NOT NULL,
	body_text_path  TEXT NOT NULL,
	screenshot_path TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS destination_evaluations_link_id ON destination_evaluations (link_id, created_at DESC);

CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id      TEXT PRIMARY KEY,
	workflow    TEXT NOT NULL,
	input       JSONB NOT NULL,
	step_cursor INTEGER NOT NULL DEFAULT 0,
	outputs     JSONB NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_runs_status ON workflow_runs (status, created_at);
`

// Migrate applies Schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
