package transport

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/stormfell-games/duelsrv/internal/hand"
)

// Inbound client message types.
const (
	MsgJoin          = "join"
	MsgReady         = "ready"
	MsgSelectCards   = "select_cards"
	MsgUsePerception = "use_perception"
	MsgForfeit       = "forfeit"
	MsgHeartbeat     = "heartbeat"
)

// Inbound is the single client frame shape; Type selects which fields apply.
type Inbound struct {
	Type   string    `json:"type"`
	DuelID uuid.UUID `json:"duelId,omitempty"`
	Cards  []string  `json:"cards,omitempty"`
}

// parseCards converts the wire form ("AS", "TD", ...) into engine cards.
func parseCards(raw []string) ([]hand.Card, error) {
	cards := make([]hand.Card, len(raw))
	for i, s := range raw {
		c, err := hand.ParseCard(s)
		if err != nil {
			return nil, fmt.Errorf("card %d: %w", i, err)
		}
		cards[i] = c
	}
	return cards, nil
}

// errorFrame tells the sender why their action was rejected. Rejections are
// private; the opponent never learns an invalid action was attempted.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
