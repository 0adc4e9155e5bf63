package duel

import (
	"time"

	"github.com/google/uuid"

	"github.com/stormfell-games/duelsrv/internal/hand"
)

// EventType identifies an outbound event delivered to participants.
type EventType string

const (
	EventPhaseChanged          EventType = "phase_changed"
	EventRoundResult           EventType = "round_result"
	EventDuelEnded             EventType = "duel_ended"
	EventOpponentDisconnected  EventType = "opponent_disconnected"
	EventOpponentReconnected   EventType = "opponent_reconnected"
	EventPerceptionHint        EventType = "perception_hint"
	// EventPrivateDealt carries a participant's own dealt cards. Private.
	EventPrivateDealt EventType = "private_dealt"
	// EventPrivateSync carries the full per-viewer state after a reconnect.
	EventPrivateSync EventType = "private_sync"
)

// RoundResultPayload is the public record of a resolved round. Selections are
// revealed only here, after both sides have committed.
type RoundResultPayload struct {
	Number     int                `json:"number"`
	Selections [2][]string        `json:"selections"`
	Results    [2]hand.HandResult `json:"results"`
	WinnerID   string             `json:"winnerId,omitempty"`
	Scores     [2]int             `json:"scores"`
}

// Event is the envelope for everything the engine sends to a participant.
// Optional fields are populated per type.
type Event struct {
	Type   EventType `json:"type"`
	DuelID uuid.UUID `json:"duelId"`

	Phase      string     `json:"phase,omitempty"`
	DeadlineAt *time.Time `json:"deadlineAt,omitempty"`
	Round      int        `json:"round,omitempty"`

	RoundResult *RoundResultPayload `json:"roundResult,omitempty"`

	WinnerID string `json:"winnerId,omitempty"`
	Reason   string `json:"reason,omitempty"`

	GraceExpiresAt *time.Time `json:"graceExpiresAt,omitempty"`

	Hint *Hint `json:"hint,omitempty"`

	Cards []string `json:"cards,omitempty"`

	Sync *SyncState `json:"sync,omitempty"`
}

// SyncState is the per-viewer snapshot sent on reconnect. The opponent's
// hidden cards never appear; only sizes and public history do.
type SyncState struct {
	DuelID        uuid.UUID           `json:"duelId"`
	Phase         string              `json:"phase"`
	Round         int                 `json:"round"`
	DeadlineAt    *time.Time          `json:"deadlineAt,omitempty"`
	Scores        [2]int              `json:"scores"`
	YourCards     []string            `json:"yourCards,omitempty"`
	YourSelection []string            `json:"yourSelection,omitempty"`
	YourEnergy    int                 `json:"yourEnergy"`
	OpponentID    uuid.UUID           `json:"opponentId"`
	OpponentConnected bool            `json:"opponentConnected"`
	OpponentSelected  bool            `json:"opponentSelected"`
	History       []RoundResultPayload `json:"history,omitempty"`
}

func cardStrings(cards []hand.Card) []string {
	if cards == nil {
		return nil
	}
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.String()
	}
	return out
}

func roundPayload(d *Duel, r Round) *RoundResultPayload {
	p := &RoundResultPayload{
		Number:  r.Number,
		Results: r.Results,
		Scores:  [2]int{d.Participants[0].Score, d.Participants[1].Score},
	}
	for i := range r.Selections {
		p.Selections[i] = cardStrings(r.Selections[i])
	}
	if r.Winner != uuid.Nil {
		p.WinnerID = r.Winner.String()
	}
	return p
}

// SyncFor builds the reconnect snapshot from the viewer's perspective.
func SyncFor(d *Duel, viewer int) *SyncState {
	me := &d.Participants[viewer]
	opp := &d.Participants[1-viewer]
	s := &SyncState{
		DuelID:            d.ID,
		Phase:             d.Phase.String(),
		Round:             d.Round,
		DeadlineAt:        d.PhaseDeadline,
		Scores:            [2]int{d.Participants[0].Score, d.Participants[1].Score},
		YourCards:         cardStrings(me.Dealt),
		YourSelection:     cardStrings(me.Selection),
		YourEnergy:        me.Energy,
		OpponentID:        opp.CharacterID,
		OpponentConnected: opp.Connected,
		OpponentSelected:  opp.Selection != nil,
	}
	for _, r := range d.History {
		s.History = append(s.History, *roundPayload(d, r))
	}
	return s
}
