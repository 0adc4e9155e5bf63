// Package hand holds the card representation, secure dealing, and the pure
// hand-ranking evaluator. Nothing in this package carries duel state.
package hand

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
)

// Suit constants — packed into the upper 4 bits of Card.
const (
	SuitClubs    uint8 = 0
	SuitDiamonds uint8 = 1
	SuitHearts   uint8 = 2
	SuitSpades   uint8 = 3
)

// Rank constants — packed into the lower 4 bits of Card. Aces are high.
const (
	RankTwo   uint8 = 2
	RankThree uint8 = 3
	RankFour  uint8 = 4
	RankFive  uint8 = 5
	RankSix   uint8 = 6
	RankSeven uint8 = 7
	RankEight uint8 = 8
	RankNine  uint8 = 9
	RankTen   uint8 = 10
	RankJack  uint8 = 11
	RankQueen uint8 = 12
	RankKing  uint8 = 13
	RankAce   uint8 = 14
)

// Card is a packed uint8: upper 4 bits = suit, lower 4 bits = rank (2–14).
type Card uint8

// NewCard constructs a Card from suit and rank.
func NewCard(suit, rank uint8) Card {
	return Card((suit << 4) | (rank & 0x0F))
}

// Suit returns the suit bits (upper 4).
func (c Card) Suit() uint8 { return uint8(c) >> 4 }

// Rank returns the rank bits (lower 4).
func (c Card) Rank() uint8 { return uint8(c) & 0x0F }

// Valid reports whether the card encodes a real suit and rank.
func (c Card) Valid() bool {
	return c.Suit() <= SuitSpades && c.Rank() >= RankTwo && c.Rank() <= RankAce
}

var rankRunes = "  23456789TJQKA"
var suitRunes = "CDHS"

var rankNames = map[uint8]string{
	RankTwo: "two", RankThree: "three", RankFour: "four", RankFive: "five",
	RankSix: "six", RankSeven: "seven", RankEight: "eight", RankNine: "nine",
	RankTen: "ten", RankJack: "jack", RankQueen: "queen", RankKing: "king",
	RankAce: "ace",
}

// RankName spells a rank out for player-facing text.
func RankName(rank uint8) string {
	if name, ok := rankNames[rank]; ok {
		return name
	}
	return "unknown"
}

// String renders a card as rank+suit, e.g. "AS", "TD".
func (c Card) String() string {
	if !c.Valid() {
		return "??"
	}
	return fmt.Sprintf("%c%c", rankRunes[c.Rank()], suitRunes[c.Suit()])
}

// MarshalText lets cards travel as "AS"-style strings in JSON payloads.
func (c Card) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("hand: cannot marshal invalid card %#x", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText parses the "AS"-style form.
func (c *Card) UnmarshalText(text []byte) error {
	parsed, err := ParseCard(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCard parses a two-rune rank+suit string such as "AH" or "9c".
func ParseCard(s string) (Card, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("hand: malformed card %q", s)
	}
	var rank, suit uint8
	switch r := s[0]; {
	case r >= '2' && r <= '9':
		rank = uint8(r - '0')
	case r == 'T' || r == 't':
		rank = RankTen
	case r == 'J' || r == 'j':
		rank = RankJack
	case r == 'Q' || r == 'q':
		rank = RankQueen
	case r == 'K' || r == 'k':
		rank = RankKing
	case r == 'A' || r == 'a':
		rank = RankAce
	default:
		return 0, fmt.Errorf("hand: unknown rank in %q", s)
	}
	switch s[1] {
	case 'C', 'c':
		suit = SuitClubs
	case 'D', 'd':
		suit = SuitDiamonds
	case 'H', 'h':
		suit = SuitHearts
	case 'S', 's':
		suit = SuitSpades
	default:
		return 0, fmt.Errorf("hand: unknown suit in %q", s)
	}
	return NewCard(suit, rank), nil
}

// DeckSize is the number of cards in a standard deck.
const DeckSize = 52

// NewDeck returns an unshuffled 52-card deck.
func NewDeck() []Card {
	deck := make([]Card, 0, DeckSize)
	for s := SuitClubs; s <= SuitSpades; s++ {
		for r := RankTwo; r <= RankAce; r++ {
			deck = append(deck, NewCard(s, r))
		}
	}
	return deck
}

// Shuffle performs an in-place Fisher–Yates shuffle driven by crypto/rand.
// Dealing is the only randomness in a duel's outcome, so a predictable PRNG
// would let a participant reconstruct the opponent's cards from the seed.
func Shuffle(deck []Card) error {
	for i := len(deck) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("hand: shuffle entropy: %w", err)
		}
		j := n.Int64()
		deck[i], deck[j] = deck[j], deck[i]
	}
	return nil
}

// Deal shuffles a fresh deck and deals hands of handSize cards to players
// participants. The remainder of the deck is discarded.
func Deal(players, handSize int) ([][]Card, error) {
	if players*handSize > DeckSize {
		return nil, fmt.Errorf("hand: cannot deal %d cards to %d players", handSize, players)
	}
	deck := NewDeck()
	if err := Shuffle(deck); err != nil {
		return nil, err
	}
	hands := make([][]Card, players)
	for p := 0; p < players; p++ {
		hands[p] = make([]Card, handSize)
		copy(hands[p], deck[p*handSize:(p+1)*handSize])
	}
	return hands, nil
}

// LowestN returns the n lowest-ranked cards from cards, breaking rank ties by
// suit so the result is deterministic. Used as the timeout default selection.
func LowestN(cards []Card, n int) []Card {
	if n > len(cards) {
		n = len(cards)
	}
	sorted := make([]Card, len(cards))
	copy(sorted, cards)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Rank() != sorted[j].Rank() {
			return sorted[i].Rank() < sorted[j].Rank()
		}
		return sorted[i].Suit() < sorted[j].Suit()
	})
	return sorted[:n]
}

// ContainsAll reports whether every card in subset appears in cards, counting
// multiplicity.
func ContainsAll(cards, subset []Card) bool {
	remaining := make(map[Card]int, len(cards))
	for _, c := range cards {
		remaining[c]++
	}
	for _, c := range subset {
		if remaining[c] == 0 {
			return false
		}
		remaining[c]--
	}
	return true
}
