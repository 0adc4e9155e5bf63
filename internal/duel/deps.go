package duel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stormfell-games/duelsrv/internal/timer"
)

// Mutator transforms the aggregate in place. It runs inside the store's
// atomic update: it must be side-effect free apart from the aggregate itself,
// because a lost version race re-runs it against fresh state.
type Mutator func(*Duel) error

// Store is the distributed duel store: the single source of truth and the
// sole serialization point for a duel across processes. Implementations fail
// closed — when the store is unreachable they return ErrInfraUnavailable and
// never fabricate state.
type Store interface {
	// Create persists a new duel and binds both characters to it atomically.
	// Returns ErrDuplicate if either character is already in an active duel.
	Create(ctx context.Context, d *Duel) error

	// Get returns the duel or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Duel, error)

	// AtomicUpdate is the only sanctioned mutation path. It reads the stored
	// duel, applies fn, and writes version+1 only if the stored version still
	// equals expectedVersion; otherwise it returns ErrStateConflict and the
	// caller retries with fresh state. Errors returned by fn abort the write
	// and pass through unchanged.
	AtomicUpdate(ctx context.Context, id uuid.UUID, expectedVersion uint64, fn Mutator) (*Duel, error)

	// DuelIDForCharacter resolves the character index, or ErrNotFound.
	DuelIDForCharacter(ctx context.Context, characterID uuid.UUID) (uuid.UUID, error)

	// ClearCharacter removes a character's index entry.
	ClearCharacter(ctx context.Context, characterID uuid.UUID) error

	// ListExpiringSoon returns non-terminal duels whose persisted deadlines
	// fall within window. Used by the post-restart recovery sweep to re-arm
	// timers.
	ListExpiringSoon(ctx context.Context, window time.Duration) ([]*Duel, error)

	// PublishResult emits a terminal duel's result for downstream consumers
	// (achievements, statistics).
	PublishResult(ctx context.Context, ev ResultEvent) error
}

// Timers schedules and cancels the per-duel deadline handles.
// *timer.Scheduler is the production implementation.
type Timers interface {
	Arm(duelID uuid.UUID, slot timer.Slot, at time.Time, fn func())
	Cancel(duelID uuid.UUID, slot timer.Slot)
	CancelAll(duelID uuid.UUID)
}

// RewardService escrows and settles wagers. Both operations are idempotent
// per duel on the provider side; the machine additionally guarantees it
// invokes each at most once per duel via the atomic terminal transition.
type RewardService interface {
	Escrow(ctx context.Context, duelID uuid.UUID, characters [2]uuid.UUID, wager int64) error
	// Settle releases the escrow. On a draw both sides are refunded and
	// winner/loser are uuid.Nil.
	Settle(ctx context.Context, duelID uuid.UUID, winner, loser uuid.UUID, wager int64, draw bool) error
}

// StatProvider looks up a character's skill value. Read-mostly; always called
// outside the optimistic-concurrency loop.
type StatProvider interface {
	Skill(ctx context.Context, characterID uuid.UUID, skillID string) (int, error)
}

// Archiver persists terminal duels durably before the store's TTL reclaims
// them. Optional.
type Archiver interface {
	Archive(ctx context.Context, d *Duel) error
}

// RandSource yields uniform randomness for the perception contest. The
// production source is crypto-backed; a predictable generator would let a
// client predict hint accuracy.
type RandSource interface {
	Uniform() (float64, error)
}

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ResultEvent is the outbound record published when a duel ends.
type ResultEvent struct {
	DuelID     uuid.UUID `json:"duelId"`
	WinnerID   uuid.UUID `json:"winnerId"`
	LoserID    uuid.UUID `json:"loserId"`
	RoundCount int       `json:"roundCount"`
	Reason     EndReason `json:"reason"`
	Wager      int64     `json:"wager"`
	EndedAt    time.Time `json:"endedAt"`
}
