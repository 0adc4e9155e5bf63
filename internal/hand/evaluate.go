package hand

import (
	"fmt"
	"sort"
)

// Category is the ordered hand rank class. Higher beats lower.
type Category uint8

const (
	HighCard Category = iota
	Pair
	TwoPair
	ThreeOfAKind
	Straight
	Flush
	FullHouse
	FourOfAKind
	StraightFlush
	RoyalFlush
)

var categoryNames = [...]string{
	"high_card",
	"pair",
	"two_pair",
	"three_of_a_kind",
	"straight",
	"flush",
	"full_house",
	"four_of_a_kind",
	"straight_flush",
	"royal_flush",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// HandResult is the outcome of evaluating a five-card hand: the rank class
// plus the ordered tiebreak key that decides ties within the class. Two
// evaluations of the same card multiset always produce the same result.
type HandResult struct {
	Category Category `json:"category"`
	Tiebreak []int    `json:"tiebreak"`
}

// Compare returns -1, 0 or 1 as r ranks below, equal to, or above o.
func (r HandResult) Compare(o HandResult) int {
	if r.Category != o.Category {
		if r.Category < o.Category {
			return -1
		}
		return 1
	}
	for i := 0; i < len(r.Tiebreak) && i < len(o.Tiebreak); i++ {
		if r.Tiebreak[i] != o.Tiebreak[i] {
			if r.Tiebreak[i] < o.Tiebreak[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// HandSize is the number of cards a hand is evaluated over.
const HandSize = 5

// Evaluate ranks exactly five cards. It is total over valid five-card sets,
// deterministic, and independent of card order. All randomness in a duel
// happens at deal time; none happens here.
func Evaluate(cards []Card) (HandResult, error) {
	if len(cards) != HandSize {
		return HandResult{}, fmt.Errorf("hand: evaluate needs %d cards, got %d", HandSize, len(cards))
	}
	seen := make(map[Card]bool, HandSize)
	for _, c := range cards {
		if !c.Valid() {
			return HandResult{}, fmt.Errorf("hand: invalid card %#x", uint8(c))
		}
		if seen[c] {
			return HandResult{}, fmt.Errorf("hand: duplicate card %s", c)
		}
		seen[c] = true
	}

	// Ranks descending; rank -> multiplicity.
	ranks := make([]int, HandSize)
	counts := make(map[int]int, HandSize)
	flush := true
	for i, c := range cards {
		ranks[i] = int(c.Rank())
		counts[ranks[i]]++
		if c.Suit() != cards[0].Suit() {
			flush = false
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ranks)))

	straightHigh, straight := straightHighCard(ranks)

	switch {
	case straight && flush && straightHigh == int(RankAce):
		return HandResult{Category: RoyalFlush, Tiebreak: []int{}}, nil
	case straight && flush:
		return HandResult{Category: StraightFlush, Tiebreak: []int{straightHigh}}, nil
	}

	// Group ranks by multiplicity, highest count first, then highest rank.
	type group struct{ rank, count int }
	groups := make([]group, 0, len(counts))
	for r, n := range counts {
		groups = append(groups, group{rank: r, count: n})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].count != groups[j].count {
			return groups[i].count > groups[j].count
		}
		return groups[i].rank > groups[j].rank
	})

	key := make([]int, 0, len(groups))
	for _, g := range groups {
		key = append(key, g.rank)
	}

	switch {
	case groups[0].count == 4:
		return HandResult{Category: FourOfAKind, Tiebreak: key}, nil
	case groups[0].count == 3 && groups[1].count == 2:
		return HandResult{Category: FullHouse, Tiebreak: key}, nil
	case flush:
		return HandResult{Category: Flush, Tiebreak: ranks}, nil
	case straight:
		return HandResult{Category: Straight, Tiebreak: []int{straightHigh}}, nil
	case groups[0].count == 3:
		return HandResult{Category: ThreeOfAKind, Tiebreak: key}, nil
	case groups[0].count == 2 && groups[1].count == 2:
		return HandResult{Category: TwoPair, Tiebreak: key}, nil
	case groups[0].count == 2:
		return HandResult{Category: Pair, Tiebreak: key}, nil
	}
	return HandResult{Category: HighCard, Tiebreak: ranks}, nil
}

// straightHighCard reports whether ranks (sorted descending, length 5) form a
// straight and returns its high card. The wheel (A-5-4-3-2) counts with high
// card five.
func straightHighCard(ranks []int) (int, bool) {
	distinct := true
	for i := 1; i < len(ranks); i++ {
		if ranks[i] == ranks[i-1] {
			distinct = false
			break
		}
	}
	if !distinct {
		return 0, false
	}
	if ranks[0]-ranks[4] == 4 {
		return ranks[0], true
	}
	// Wheel: A,5,4,3,2.
	if ranks[0] == int(RankAce) && ranks[1] == int(RankFive) && ranks[1]-ranks[4] == 3 {
		return int(RankFive), true
	}
	return 0, false
}

// BestOf returns the strongest five-card result obtainable from cards,
// together with the cards that achieve it. Used for hint derivation when the
// opponent has not yet locked a selection.
func BestOf(cards []Card) (HandResult, []Card, error) {
	if len(cards) < HandSize {
		return HandResult{}, nil, fmt.Errorf("hand: need at least %d cards, got %d", HandSize, len(cards))
	}
	var (
		best     HandResult
		bestSet  []Card
		haveBest bool
		choose   [HandSize]int
		rec      func(start, k int) error
	)
	rec = func(start, k int) error {
		if k == HandSize {
			set := make([]Card, HandSize)
			for i, idx := range choose[:] {
				set[i] = cards[idx]
			}
			res, err := Evaluate(set)
			if err != nil {
				return err
			}
			if !haveBest || res.Compare(best) > 0 {
				best, bestSet, haveBest = res, set, true
			}
			return nil
		}
		for i := start; i <= len(cards)-(HandSize-k); i++ {
			choose[k] = i
			if err := rec(i+1, k+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := rec(0, 0); err != nil {
		return HandResult{}, nil, err
	}
	return best, bestSet, nil
}
