package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stormfell-games/duelsrv/internal/duel"
)

// Archive copies terminal duels into Postgres before the store's TTL
// reclaims them. Idempotent per duel.
type Archive struct {
	pool *pgxpool.Pool
}

func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

func (a *Archive) Archive(ctx context.Context, d *duel.Duel) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("database: marshal duel %s: %w", d.ID, err)
	}
	var winner interface{}
	if d.Winner != uuid.Nil {
		winner = d.Winner
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO duel_archive (duel_id, winner_id, end_reason, round_count, wager, record)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (duel_id) DO NOTHING`,
		d.ID, winner, string(d.EndReason), len(d.History), d.Wager, record)
	if err != nil {
		return fmt.Errorf("database: archive duel %s: %w", d.ID, err)
	}
	return nil
}
