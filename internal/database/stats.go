package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Stats serves character skill lookups for the perception contest.
type Stats struct {
	pool *pgxpool.Pool
}

func NewStats(pool *pgxpool.Pool) *Stats {
	return &Stats{pool: pool}
}

// Skill returns the character's value for skillID. An untrained skill reads
// as zero, not as an error.
func (s *Stats) Skill(ctx context.Context, characterID uuid.UUID, skillID string) (int, error) {
	var value int
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM character_stats WHERE character_id = $1 AND skill_id = $2`,
		characterID, skillID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("database: skill lookup: %w", err)
	}
	return value, nil
}
