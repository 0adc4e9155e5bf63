package duel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stormfell-games/duelsrv/internal/hand"
)

// PerceptionSkillID is the stat key the machine asks the StatProvider for.
const PerceptionSkillID = "perception"

// HintTier is the fidelity class a perceiver's skill unlocks. Higher skill
// unlocks more specific hint shapes, never literal cards.
type HintTier uint8

const (
	// TierConfidence yields only a coarse strength band.
	TierConfidence HintTier = iota + 1
	// TierRange narrows the opponent's hand to a rank span.
	TierRange
	// TierTell surfaces a behavioral read keyed to the hand shape.
	TierTell
)

var hintTierNames = map[HintTier]string{
	TierConfidence: "confidence",
	TierRange:      "range",
	TierTell:       "tell",
}

func (t HintTier) String() string {
	if s, ok := hintTierNames[t]; ok {
		return s
	}
	return "unknown"
}

// Hint is what a perception use delivers to the perceiver. Text is the only
// payload: a hint describes, it never enumerates cards.
type Hint struct {
	Tier HintTier `json:"tier"`
	Kind string   `json:"kind"`
	Text string   `json:"text"`
}

const (
	bandWeak   = "weak"
	bandSolid  = "solid"
	bandStrong = "strong"
)

// contestAccuracy maps the skill differential onto hit probability. tanh
// gives diminishing returns at the extremes; the floor keeps hopeless
// perceivers occasionally lucky and the cap keeps masters occasionally wrong.
func contestAccuracy(perceiver, target int, cap float64) float64 {
	p := 0.5 + 0.45*math.Tanh(float64(perceiver-target)/40)
	if p < 0.05 {
		p = 0.05
	}
	if p > cap {
		p = cap
	}
	return p
}

// tierForSkill maps raw skill to the unlocked hint tier.
func tierForSkill(skill int) HintTier {
	switch {
	case skill >= 60:
		return TierTell
	case skill >= 25:
		return TierRange
	default:
		return TierConfidence
	}
}

// UsePerception spends energy to glimpse the opponent's hand strength. Skill
// lookups and the accuracy roll happen outside the atomic update; only the
// resource spend is part of the committed mutation, so a lost version race
// re-charges correctly and never double-rolls.
func (m *Machine) UsePerception(ctx context.Context, duelID, characterID uuid.UUID) (*Hint, error) {
	pre, err := m.store.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	idx, ok := pre.ParticipantIndex(characterID)
	if !ok {
		return nil, ErrNotParticipant
	}
	opponentID := pre.Participants[1-idx].CharacterID

	mySkill, oppSkill := 0, 0
	if m.stats != nil {
		if mySkill, err = m.stats.Skill(ctx, characterID, PerceptionSkillID); err != nil {
			return nil, fmt.Errorf("%w: skill lookup failed: %v", ErrInfraUnavailable, err)
		}
		if oppSkill, err = m.stats.Skill(ctx, opponentID, PerceptionSkillID); err != nil {
			return nil, fmt.Errorf("%w: skill lookup failed: %v", ErrInfraUnavailable, err)
		}
	}

	// Roll before spending: the contest depends only on skills, so a dead
	// entropy source must not charge the player for an undelivered hint.
	roll, err := m.rand.Uniform()
	if err != nil {
		return nil, fmt.Errorf("%w: randomness unavailable: %v", ErrInfraUnavailable, err)
	}

	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		i, ok := d.ParticipantIndex(characterID)
		if !ok {
			return ErrNotParticipant
		}
		if d.Phase != PhaseSelection {
			return fmt.Errorf("%w: perception is only usable during %s", ErrInvalidAction, PhaseSelection)
		}
		p := &d.Participants[i]
		now := m.clock.Now()
		if p.Energy < d.Rules.PerceptionCost {
			return fmt.Errorf("%w: not enough energy (%d < %d)", ErrInvalidAction, p.Energy, d.Rules.PerceptionCost)
		}
		if p.PerceptionUses >= d.Rules.PerceptionPerRound {
			return fmt.Errorf("%w: perception already used %d times this round", ErrInvalidAction, p.PerceptionUses)
		}
		if now.Before(p.PerceptionReadyAt) {
			return fmt.Errorf("%w: perception on cooldown until %s", ErrInvalidAction, p.PerceptionReadyAt.Format(time.RFC3339))
		}
		p.Energy -= d.Rules.PerceptionCost
		p.PerceptionUses++
		p.PerceptionReadyAt = now.Add(d.Rules.PerceptionCooldown)
		p.LastSeen = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	hint := buildHint(d, 1-idx, mySkill, oppSkill, roll, d.Rules.PerceptionAccuracyCap)
	m.sendTo(characterID, Event{
		Type:   EventPerceptionHint,
		DuelID: d.ID,
		Round:  d.Round,
		Hint:   hint,
	})
	m.duelLog(d.ID).WithFields(logrus.Fields{
		"character_id": characterID,
		"tier":         hint.Tier.String(),
	}).Debug("perception hint delivered")
	return hint, nil
}

// buildHint derives the hint from the committed opponent state. Quality is
// accurate, vague or misleading depending on where the roll lands relative to
// the contest probability.
func buildHint(d *Duel, target, mySkill, oppSkill int, roll, cap float64) *Hint {
	opp := &d.Participants[target]
	tier := tierForSkill(mySkill)
	p := contestAccuracy(mySkill, oppSkill, cap)

	// Split the miss region: most misses hedge, the rest actively lie.
	accurate := roll < p
	misleading := !accurate && roll >= p+(1-p)*0.6

	observed := opp.Selection
	if observed == nil {
		observed = opp.Dealt
	}
	res, err := bestReadable(observed)
	if err != nil {
		return &Hint{Tier: tier, Kind: tier.String(), Text: "you can't get a read on your opponent"}
	}

	var text string
	switch tier {
	case TierRange:
		text = rangeHint(observed, accurate, misleading)
	case TierTell:
		text = tellHint(res.Category, accurate, misleading)
	default:
		text = confidenceHint(res.Category, accurate, misleading)
	}
	return &Hint{Tier: tier, Kind: tier.String(), Text: text}
}

// bestReadable evaluates what the opponent is actually holding: their locked
// selection when present, otherwise the best five of their dealt cards.
func bestReadable(cards []hand.Card) (hand.HandResult, error) {
	if len(cards) == 0 {
		return hand.HandResult{}, errors.New("nothing to read")
	}
	if len(cards) == hand.HandSize {
		return hand.Evaluate(cards)
	}
	res, _, err := hand.BestOf(cards)
	return res, err
}

func strengthBand(c hand.Category) string {
	switch {
	case c <= hand.Pair:
		return bandWeak
	case c <= hand.Straight:
		return bandSolid
	default:
		return bandStrong
	}
}

// shiftBand rotates a band one step so a misleading hint stays plausible.
func shiftBand(band string) string {
	switch band {
	case bandWeak:
		return bandSolid
	case bandSolid:
		return bandStrong
	default:
		return bandWeak
	}
}

func confidenceHint(c hand.Category, accurate, misleading bool) string {
	band := strengthBand(c)
	switch {
	case accurate:
		return fmt.Sprintf("your opponent's hand feels %s", band)
	case misleading:
		return fmt.Sprintf("your opponent's hand feels %s", shiftBand(band))
	default:
		return fmt.Sprintf("your opponent's hand could be %s, maybe %s", band, shiftBand(band))
	}
}

func rangeHint(cards []hand.Card, accurate, misleading bool) string {
	lo, hi := hand.RankAce, hand.RankTwo
	for _, c := range cards {
		r := c.Rank()
		if r < lo {
			lo = r
		}
		if r > hi {
			hi = r
		}
	}
	switch {
	case accurate:
		return fmt.Sprintf("their cards run from %s up to %s", hand.RankName(lo), hand.RankName(hi))
	case misleading:
		// Shift the window so it reads specific but points the wrong way.
		lo2, hi2 := shiftRank(lo, -2), shiftRank(hi, -2)
		return fmt.Sprintf("their cards run from %s up to %s", hand.RankName(lo2), hand.RankName(hi2))
	default:
		return fmt.Sprintf("their cards sit somewhere between %s and %s, give or take",
			hand.RankName(shiftRank(lo, -1)), hand.RankName(shiftRank(hi, 1)))
	}
}

func shiftRank(r uint8, by int) uint8 {
	v := int(r) + by
	if v < int(hand.RankTwo) {
		v = int(hand.RankTwo)
	}
	if v > int(hand.RankAce) {
		v = int(hand.RankAce)
	}
	return uint8(v)
}

// tells maps hand shapes to behavioral reads. Indexed by category so a
// misleading hint can deliberately pick the wrong shape's tell.
var tells = map[hand.Category]string{
	hand.HighCard:      "they keep glancing at their chips, not their cards",
	hand.Pair:          "they touched two of their cards, then looked away",
	hand.TwoPair:       "they rearranged their hand twice, pairing things up",
	hand.ThreeOfAKind:  "they can't stop drumming three fingers on the table",
	hand.Straight:      "they fanned their cards into a careful sequence",
	hand.Flush:         "they keep tilting the hand so the faces catch one color of light",
	hand.FullHouse:     "they settled deep into their chair like the round is already over",
	hand.FourOfAKind:   "their breathing went dead slow the moment the deal finished",
	hand.StraightFlush: "their hands are perfectly still, too still",
	hand.RoyalFlush:    "they are fighting down a smile and losing",
}

func tellHint(c hand.Category, accurate, misleading bool) string {
	switch {
	case accurate:
		return tells[c]
	case misleading:
		// Lie with a distant category's tell.
		wrong := hand.Category((uint8(c) + 5) % 10)
		return tells[wrong]
	default:
		return "they're guarding their expression; nothing useful slips through"
	}
}
