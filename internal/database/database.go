// Package database holds the Postgres side of the service: gold escrow and
// settlement, character skill lookups, and the durable duel archive. Redis
// owns live duel state; everything that must survive the TTL lives here.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Connect opens a pgx pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return pool, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS characters (
		id UUID PRIMARY KEY,
		gold BIGINT NOT NULL DEFAULT 0 CHECK (gold >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS character_stats (
		character_id UUID NOT NULL REFERENCES characters(id),
		skill_id TEXT NOT NULL,
		value INT NOT NULL DEFAULT 0,
		PRIMARY KEY (character_id, skill_id)
	)`,
	`CREATE TABLE IF NOT EXISTS duel_escrow (
		duel_id UUID PRIMARY KEY,
		character_a UUID NOT NULL,
		character_b UUID NOT NULL,
		wager BIGINT NOT NULL CHECK (wager >= 0),
		status TEXT NOT NULL DEFAULT 'held',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		settled_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS duel_archive (
		duel_id UUID PRIMARY KEY,
		winner_id UUID,
		end_reason TEXT NOT NULL,
		round_count INT NOT NULL,
		wager BIGINT NOT NULL,
		record JSONB NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Statements are idempotent so restarts are safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log logrus.FieldLogger) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("database: migration %d: %w", i, err)
		}
	}
	if log != nil {
		log.WithField("statements", len(migrations)).Info("database schema up to date")
	}
	return nil
}
