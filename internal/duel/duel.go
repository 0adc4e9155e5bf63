// Package duel implements the authoritative two-player card-duel state
// machine. The aggregate defined here is owned exclusively by the Machine;
// the distributed store holds only its serialized form and every mutation
// flows through the store's version-checked atomic update.
package duel

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stormfell-games/duelsrv/internal/hand"
)

// Rules are the symmetric, configurable parameters of a duel. The source
// material's one-sided score modifiers are deliberately not reproduced.
type Rules struct {
	TargetScore    int           `json:"targetScore"`
	MaxRounds      int           `json:"maxRounds"`
	PointsPerRound int           `json:"pointsPerRound"`
	DealtCards     int           `json:"dealtCards"`

	JoinTimeout      time.Duration `json:"joinTimeout"`
	ReadyTimeout     time.Duration `json:"readyTimeout"`
	SelectionTimeout time.Duration `json:"selectionTimeout"`
	DealDelay        time.Duration `json:"dealDelay"`
	GracePeriod      time.Duration `json:"gracePeriod"`

	// A participant who times out in selection this many rounds in a row
	// forfeits the duel.
	MaxTimeoutStreak int `json:"maxTimeoutStreak"`

	StartingEnergy        int           `json:"startingEnergy"`
	PerceptionCost        int           `json:"perceptionCost"`
	PerceptionPerRound    int           `json:"perceptionPerRound"`
	PerceptionCooldown    time.Duration `json:"perceptionCooldown"`
	PerceptionAccuracyCap float64       `json:"perceptionAccuracyCap"`

	// Absolute lifetime bound; the stored record expires at
	// CreatedAt+MaxLifetime no matter how active the duel is.
	IdleTTL     time.Duration `json:"idleTtl"`
	MaxLifetime time.Duration `json:"maxLifetime"`
}

// DefaultRules returns the production defaults.
func DefaultRules() Rules {
	return Rules{
		TargetScore:    3,
		MaxRounds:      5,
		PointsPerRound: 1,
		DealtCards:     7,

		JoinTimeout:      60 * time.Second,
		ReadyTimeout:     30 * time.Second,
		SelectionTimeout: 45 * time.Second,
		DealDelay:        3 * time.Second,
		GracePeriod:      10 * time.Minute,

		MaxTimeoutStreak: 3,

		StartingEnergy:        10,
		PerceptionCost:        3,
		PerceptionPerRound:    2,
		PerceptionCooldown:    10 * time.Second,
		PerceptionAccuracyCap: 0.90,

		IdleTTL:     30 * time.Minute,
		MaxLifetime: 2 * time.Hour,
	}
}

// Participant is one side of the duel. Selection stays hidden from the
// opponent until both sides have submitted.
type Participant struct {
	CharacterID    uuid.UUID   `json:"characterId"`
	Joined         bool        `json:"joined"`
	Ready          bool        `json:"ready"`
	Connected      bool        `json:"connected"`
	DisconnectedAt *time.Time  `json:"disconnectedAt,omitempty"`
	LastSeen       time.Time   `json:"lastSeen"`
	Score          int         `json:"score"`
	Dealt          []hand.Card `json:"dealt,omitempty"`
	Selection      []hand.Card `json:"selection,omitempty"`
	TimeoutStreak  int         `json:"timeoutStreak"`

	Energy            int       `json:"energy"`
	PerceptionUses    int       `json:"perceptionUses"`
	PerceptionReadyAt time.Time `json:"perceptionReadyAt"`
}

// Round is one resolved unit of play, immutable once appended to history.
type Round struct {
	Number     int                 `json:"number"`
	Selections [2][]hand.Card      `json:"selections"`
	Results    [2]hand.HandResult  `json:"results"`
	Winner     uuid.UUID           `json:"winnerId"` // uuid.Nil on a draw
	ScoreDelta int                 `json:"scoreDelta"`
}

// EndReason explains how a duel reached PhaseDuelEnd.
type EndReason string

const (
	EndReasonScore          EndReason = "target_score"
	EndReasonRoundCap       EndReason = "round_cap"
	EndReasonForfeit        EndReason = "forfeit"
	EndReasonTimeoutForfeit EndReason = "timeout_forfeit"
	EndReasonDisconnect     EndReason = "disconnect_forfeit"
	EndReasonAbandoned      EndReason = "abandoned"
	EndReasonInternal       EndReason = "internal_error"
)

// Duel is the authoritative aggregate for one match.
type Duel struct {
	ID           uuid.UUID      `json:"id"`
	Participants [2]Participant `json:"participants"`
	Phase        Phase          `json:"phase"`
	Round        int            `json:"round"`
	History      []Round        `json:"history,omitempty"`
	Wager        int64          `json:"wager"`
	Rules        Rules          `json:"rules"`

	// Version drives optimistic concurrency: every mutation reads the
	// current version and writes Version+1 or fails.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Persisted deadlines. Timer handles are process-local; these fields are
	// what a recovery sweep re-arms from after a restart.
	PhaseDeadline *time.Time `json:"phaseDeadline,omitempty"`
	GraceDeadline *time.Time `json:"graceDeadline,omitempty"`

	Winner    uuid.UUID `json:"winnerId"`
	EndReason EndReason `json:"endReason,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Settled   bool      `json:"settled"`
}

// New builds a fresh duel between two characters in PhaseWaiting.
func New(a, b uuid.UUID, wager int64, rules Rules, now time.Time) (*Duel, error) {
	if a == uuid.Nil || b == uuid.Nil || a == b {
		return nil, fmt.Errorf("duel: invalid participant pair %s/%s", a, b)
	}
	if wager < 0 {
		return nil, fmt.Errorf("duel: negative wager %d", wager)
	}
	joinBy := now.Add(rules.JoinTimeout)
	d := &Duel{
		ID:            uuid.New(),
		Phase:         PhaseWaiting,
		Round:         0,
		Wager:         wager,
		Rules:         rules,
		Version:       1,
		CreatedAt:     now,
		ExpiresAt:     now.Add(rules.IdleTTL),
		PhaseDeadline: &joinBy,
	}
	for i, id := range [2]uuid.UUID{a, b} {
		d.Participants[i] = Participant{
			CharacterID: id,
			Energy:      rules.StartingEnergy,
			LastSeen:    now,
		}
	}
	return d, nil
}

// ParticipantIndex returns the slot of characterID, or false.
func (d *Duel) ParticipantIndex(characterID uuid.UUID) (int, bool) {
	for i := range d.Participants {
		if d.Participants[i].CharacterID == characterID {
			return i, true
		}
	}
	return 0, false
}

// CharacterIDs returns both participant character IDs in order.
func (d *Duel) CharacterIDs() [2]uuid.UUID {
	return [2]uuid.UUID{d.Participants[0].CharacterID, d.Participants[1].CharacterID}
}

// setPhase applies a transition, enforcing the table. An illegal transition
// is an internal invariant violation, not a user error.
func (d *Duel) setPhase(next Phase) error {
	if !d.Phase.CanTransition(next) {
		return fmt.Errorf("duel: illegal transition %s -> %s", d.Phase, next)
	}
	d.Phase = next
	return nil
}

func (d *Duel) bothJoined() bool {
	return d.Participants[0].Joined && d.Participants[1].Joined
}

func (d *Duel) bothReady() bool {
	return d.Participants[0].Ready && d.Participants[1].Ready
}

func (d *Duel) bothSelected() bool {
	return d.Participants[0].Selection != nil && d.Participants[1].Selection != nil
}

func (d *Duel) bothDisconnected() bool {
	return !d.Participants[0].Connected && !d.Participants[1].Connected
}

// refreshGraceDeadline recomputes GraceDeadline as the earliest outstanding
// grace expiry across disconnected participants, or clears it.
func (d *Duel) refreshGraceDeadline() {
	var earliest *time.Time
	for i := range d.Participants {
		p := &d.Participants[i]
		if p.Connected || p.DisconnectedAt == nil {
			continue
		}
		expiry := p.DisconnectedAt.Add(d.Rules.GracePeriod)
		if earliest == nil || expiry.Before(*earliest) {
			e := expiry
			earliest = &e
		}
	}
	d.GraceDeadline = earliest
}

// finish moves the duel to its terminal phase. winner may be uuid.Nil for a
// draw. Clears every persisted deadline: a terminal duel owns no timers.
func (d *Duel) finish(winner uuid.UUID, reason EndReason, now time.Time) error {
	if err := d.setPhase(PhaseDuelEnd); err != nil {
		return err
	}
	d.Winner = winner
	d.EndReason = reason
	ended := now
	d.EndedAt = &ended
	d.PhaseDeadline = nil
	d.GraceDeadline = nil
	for i := range d.Participants {
		d.Participants[i].Dealt = nil
		d.Participants[i].Selection = nil
	}
	return nil
}

// leader returns the participant index with the higher score, or -1 on a tie.
func (d *Duel) leader() int {
	switch {
	case d.Participants[0].Score > d.Participants[1].Score:
		return 0
	case d.Participants[1].Score > d.Participants[0].Score:
		return 1
	default:
		return -1
	}
}
