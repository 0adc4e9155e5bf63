package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Escrow row statuses.
const (
	escrowHeld    = "held"
	escrowSettled = "settled"
)

// ErrInsufficientGold rejects an escrow a character cannot cover.
var ErrInsufficientGold = errors.New("database: insufficient gold for wager")

// Ledger implements the engine's RewardService on Postgres. Escrow and
// settlement are idempotent per duel: the escrow row's primary key absorbs
// duplicate escrows, and settlement only pays out when it flips the row from
// held to settled.
type Ledger struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

func NewLedger(pool *pgxpool.Pool, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{pool: pool, log: log}
}

// Escrow debits both characters and records the held wager in one
// transaction. A zero wager still writes the row so settlement stays uniform.
func (l *Ledger) Escrow(ctx context.Context, duelID uuid.UUID, characters [2]uuid.UUID, wager int64) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO duel_escrow (duel_id, character_a, character_b, wager)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (duel_id) DO NOTHING`,
			duelID, characters[0], characters[1], wager)
		if err != nil {
			return fmt.Errorf("database: insert escrow: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already escrowed for this duel; nothing more to do.
			return nil
		}
		if wager == 0 {
			return nil
		}
		for _, cid := range characters {
			tag, err := tx.Exec(ctx,
				`UPDATE characters SET gold = gold - $2 WHERE id = $1 AND gold >= $2`,
				cid, wager)
			if err != nil {
				return fmt.Errorf("database: debit character %s: %w", cid, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: character %s", ErrInsufficientGold, cid)
			}
		}
		return nil
	})
}

// Settle releases the escrow: the winner collects both stakes, or a draw
// refunds each side. The guarded status flip makes concurrent settlers
// collapse to one payout.
func (l *Ledger) Settle(ctx context.Context, duelID uuid.UUID, winner, loser uuid.UUID, wager int64, draw bool) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var a, b uuid.UUID
		var held int64
		err := tx.QueryRow(ctx,
			`UPDATE duel_escrow SET status = $2, settled_at = now()
			 WHERE duel_id = $1 AND status = $3
			 RETURNING character_a, character_b, wager`,
			duelID, escrowSettled, escrowHeld).Scan(&a, &b, &held)
		if errors.Is(err, pgx.ErrNoRows) {
			// Never escrowed, or already settled. Either way there is nothing
			// left to move.
			l.log.WithField("duel_id", duelID).Debug("settle found no held escrow")
			return nil
		}
		if err != nil {
			return fmt.Errorf("database: claim escrow: %w", err)
		}
		if held == 0 {
			return nil
		}

		credit := func(cid uuid.UUID, amount int64) error {
			_, err := tx.Exec(ctx,
				`UPDATE characters SET gold = gold + $2 WHERE id = $1`, cid, amount)
			if err != nil {
				return fmt.Errorf("database: credit character %s: %w", cid, err)
			}
			return nil
		}
		if draw {
			if err := credit(a, held); err != nil {
				return err
			}
			return credit(b, held)
		}
		return credit(winner, held*2)
	})
}
