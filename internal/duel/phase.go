package duel

import "fmt"

// Phase is the duel's position in its state machine. Exactly one phase is
// active at a time; transitions outside the table below are rejected.
type Phase uint8

const (
	// PhaseWaiting — duel created, waiting for both participants to join.
	PhaseWaiting Phase = iota
	// PhaseReadyCheck — both joined, waiting for both ready signals.
	PhaseReadyCheck
	// PhaseDealing — hands dealt, transient animation delay running.
	PhaseDealing
	// PhaseSelection — both participants privately choose their cards.
	PhaseSelection
	// PhaseReveal — deterministic resolution of the two hidden choices.
	PhaseReveal
	// PhaseRoundEnd — round resolved, about to loop or terminate.
	PhaseRoundEnd
	// PhaseDuelEnd — terminal. No timers, no further mutation.
	PhaseDuelEnd
)

var phaseNames = [...]string{
	"waiting",
	"ready_check",
	"dealing",
	"selection",
	"reveal",
	"round_end",
	"duel_end",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// MarshalText stores phases by name so Redis payloads and events stay
// readable.
func (p Phase) MarshalText() ([]byte, error) {
	if int(p) >= len(phaseNames) {
		return nil, fmt.Errorf("duel: unknown phase %d", uint8(p))
	}
	return []byte(phaseNames[p]), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("duel: unknown phase %q", string(text))
}

// Terminal reports whether the phase ends the duel.
func (p Phase) Terminal() bool { return p == PhaseDuelEnd }

// transitions is the closed transition table. PhaseDuelEnd is reachable from
// every non-terminal phase because forfeit, grace expiry and invariant
// failures can strike at any point.
var transitions = map[Phase][]Phase{
	PhaseWaiting:    {PhaseReadyCheck, PhaseDuelEnd},
	PhaseReadyCheck: {PhaseDealing, PhaseDuelEnd},
	PhaseDealing:    {PhaseSelection, PhaseDuelEnd},
	PhaseSelection:  {PhaseReveal, PhaseDuelEnd},
	PhaseReveal:     {PhaseRoundEnd, PhaseDuelEnd},
	PhaseRoundEnd:   {PhaseDealing, PhaseDuelEnd},
	PhaseDuelEnd:    {},
}

// CanTransition reports whether moving from p to next is legal.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}
