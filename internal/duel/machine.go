package duel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stormfell-games/duelsrv/internal/hand"
	"github.com/stormfell-games/duelsrv/internal/timer"
)

// callbackTimeout bounds the store work done from a timer callback.
const callbackTimeout = 10 * time.Second

// recoveryWindow covers every persisted deadline so a restart re-arms all of
// them.
const recoveryWindow = 24 * time.Hour

// SendFunc delivers an outbound event to a single character. The transport
// adapter supplies it; a nil or disconnected target is the transport's
// problem, never the machine's.
type SendFunc func(characterID uuid.UUID, ev Event)

// Options wires a Machine.
type Options struct {
	Store    Store
	Timers   Timers
	Rewards  RewardService
	Stats    StatProvider
	Archiver Archiver
	Rand     RandSource
	Clock    Clock
	Rules    Rules
	Log      logrus.FieldLogger
	Send     SendFunc
}

// Machine is the duel orchestrator. It owns the aggregate: every inbound
// action is validated against the current phase and applied through the
// store's atomic update, so concurrent actions across processes serialize on
// the stored version, not on any in-process lock.
type Machine struct {
	store    Store
	timers   Timers
	rewards  RewardService
	stats    StatProvider
	archiver Archiver
	rand     RandSource
	clock    Clock
	rules    Rules
	log      logrus.FieldLogger
	send     SendFunc
}

// NewMachine builds a Machine from Options, filling in production defaults.
func NewMachine(o Options) *Machine {
	m := &Machine{
		store:    o.Store,
		timers:   o.Timers,
		rewards:  o.Rewards,
		stats:    o.Stats,
		archiver: o.Archiver,
		rand:     o.Rand,
		clock:    o.Clock,
		rules:    o.Rules,
		log:      o.Log,
		send:     o.Send,
	}
	if m.rand == nil {
		m.rand = hand.CryptoSource{}
	}
	if m.clock == nil {
		m.clock = realClock{}
	}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	if m.rules == (Rules{}) {
		m.rules = DefaultRules()
	}
	return m
}

func (m *Machine) sendTo(characterID uuid.UUID, ev Event) {
	if m.send != nil {
		m.send(characterID, ev)
	}
}

func (m *Machine) broadcast(d *Duel, ev Event) {
	for i := range d.Participants {
		m.sendTo(d.Participants[i].CharacterID, ev)
	}
}

// effects records what a committed mutation did so the caller can emit events
// and arm timers after the write lands. Reset on every mutator run because a
// lost version race re-runs the mutator against fresh state.
type effects struct {
	phaseChanged bool
	dealt        bool
	round        *Round
	timedOut     [2]bool
}

// mutate is the bounded-retry wrapper around the store's atomic update.
// StateConflict retries with exponential backoff; everything else passes
// through. Exhausting the budget surfaces ErrInfraUnavailable per the error
// taxonomy.
func (m *Machine) mutate(ctx context.Context, id uuid.UUID, fn Mutator) (*Duel, error) {
	op := func() (*Duel, error) {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrInfraUnavailable) {
				return nil, err // retryable
			}
			return nil, backoff.Permanent(err)
		}
		updated, err := m.store.AtomicUpdate(ctx, id, cur.Version, fn)
		if err != nil {
			if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrInfraUnavailable) {
				return nil, err // retryable
			}
			return nil, backoff.Permanent(err)
		}
		return updated, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	d, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrInfraUnavailable) {
			return nil, fmt.Errorf("%w: retry budget exhausted: %v", ErrInfraUnavailable, err)
		}
		return nil, err
	}
	return d, nil
}

func (m *Machine) duelLog(id uuid.UUID) logrus.FieldLogger {
	return m.log.WithField("duel_id", id)
}

// CreateDuel builds a duel between two characters, escrows the wager exactly
// once, and arms the join deadline. Matchmaking supplies the pair.
func (m *Machine) CreateDuel(ctx context.Context, a, b uuid.UUID, wager int64) (*Duel, error) {
	d, err := New(a, b, wager, m.rules, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := m.store.Create(ctx, d); err != nil {
		return nil, err
	}

	if m.rewards != nil {
		if err := m.rewards.Escrow(ctx, d.ID, d.CharacterIDs(), wager); err != nil {
			m.duelLog(d.ID).WithError(err).Error("escrow failed; voiding duel")
			// No funds moved: release the character bindings and bail.
			if _, verr := m.mutate(ctx, d.ID, func(x *Duel) error {
				return x.finish(uuid.Nil, EndReasonAbandoned, m.clock.Now())
			}); verr != nil {
				m.duelLog(d.ID).WithError(verr).Error("failed to void duel after escrow failure")
			}
			m.timers.CancelAll(d.ID)
			return nil, fmt.Errorf("%w: wager escrow failed", ErrInfraUnavailable)
		}
	}

	m.armPhaseDeadline(d)
	m.broadcast(d, m.phaseEvent(d))
	m.duelLog(d.ID).WithFields(logrus.Fields{
		"character_a": a, "character_b": b, "wager": wager,
	}).Info("duel created")
	return d, nil
}

// Join marks a participant as present. When both have joined the duel moves
// to the ready check. Joining twice is a harmless no-op.
func (m *Machine) Join(ctx context.Context, duelID, characterID uuid.UUID) (*Duel, error) {
	var fx effects
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		fx = effects{}
		idx, ok := d.ParticipantIndex(characterID)
		if !ok {
			return ErrNotParticipant
		}
		if d.Phase != PhaseWaiting {
			if d.Participants[idx].Joined {
				return errSuperseded
			}
			return fmt.Errorf("%w: cannot join during %s", ErrInvalidAction, d.Phase)
		}
		now := m.clock.Now()
		p := &d.Participants[idx]
		if p.Joined {
			return errSuperseded
		}
		p.Joined = true
		p.Connected = true
		p.LastSeen = now
		if d.bothJoined() {
			if err := d.setPhase(PhaseReadyCheck); err != nil {
				return err
			}
			dl := now.Add(d.Rules.ReadyTimeout)
			d.PhaseDeadline = &dl
			fx.phaseChanged = true
		}
		return nil
	})
	if errors.Is(err, errSuperseded) {
		return m.store.Get(ctx, duelID)
	}
	if err != nil {
		return nil, err
	}
	m.afterCommit(ctx, d, &fx)
	return d, nil
}

// Ready marks a participant ready. When both are ready the first round is
// dealt.
func (m *Machine) Ready(ctx context.Context, duelID, characterID uuid.UUID) (*Duel, error) {
	var fx effects
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		fx = effects{}
		idx, ok := d.ParticipantIndex(characterID)
		if !ok {
			return ErrNotParticipant
		}
		if d.Phase != PhaseReadyCheck {
			return fmt.Errorf("%w: cannot ready during %s", ErrInvalidAction, d.Phase)
		}
		p := &d.Participants[idx]
		if p.Ready {
			return errSuperseded
		}
		p.Ready = true
		p.LastSeen = m.clock.Now()
		if d.bothReady() {
			return m.startRound(d, &fx)
		}
		return nil
	})
	if errors.Is(err, errSuperseded) {
		return m.store.Get(ctx, duelID)
	}
	if err != nil {
		return nil, err
	}
	m.afterCommit(ctx, d, &fx)
	return d, nil
}

// startRound deals a fresh round inside a mutator. Dealing draws from
// crypto/rand; a re-run after a lost version race deals again, but only one
// deal ever commits.
func (m *Machine) startRound(d *Duel, fx *effects) error {
	hands, err := hand.Deal(len(d.Participants), d.Rules.DealtCards)
	if err != nil {
		return fmt.Errorf("dealing round %d: %w", d.Round+1, err)
	}
	d.Round++
	for i := range d.Participants {
		p := &d.Participants[i]
		p.Dealt = hands[i]
		p.Selection = nil
		p.PerceptionUses = 0
	}
	if err := d.setPhase(PhaseDealing); err != nil {
		return err
	}
	d.PhaseDeadline = nil
	fx.phaseChanged = true
	fx.dealt = true
	return nil
}

// SelectCards records a participant's hidden choice for the current round.
// When both sides have chosen, the same committed mutation resolves the
// round, so the "both submitted" and "timeout" races have exactly one winner.
func (m *Machine) SelectCards(ctx context.Context, duelID, characterID uuid.UUID, cards []hand.Card) (*Duel, error) {
	var fx effects
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		fx = effects{}
		idx, ok := d.ParticipantIndex(characterID)
		if !ok {
			return ErrNotParticipant
		}
		if d.Phase != PhaseSelection {
			return fmt.Errorf("%w: cannot select cards during %s", ErrInvalidAction, d.Phase)
		}
		p := &d.Participants[idx]
		if p.Selection != nil {
			return fmt.Errorf("%w: cards already selected this round", ErrInvalidAction)
		}
		if len(cards) != hand.HandSize {
			return fmt.Errorf("%w: selection must be %d cards, got %d", ErrInvalidAction, hand.HandSize, len(cards))
		}
		if !hand.ContainsAll(p.Dealt, cards) {
			return fmt.Errorf("%w: selection contains cards not dealt to you", ErrInvalidAction)
		}
		p.Selection = append([]hand.Card(nil), cards...)
		p.TimeoutStreak = 0
		p.LastSeen = m.clock.Now()
		if d.bothSelected() {
			return m.resolveRound(d, &fx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.afterCommit(ctx, d, &fx)
	return d, nil
}

// resolveRound is the REVEAL step: deterministic given both hidden choices.
// Runs inside a mutator.
func (m *Machine) resolveRound(d *Duel, fx *effects) error {
	if err := d.setPhase(PhaseReveal); err != nil {
		return err
	}
	now := m.clock.Now()

	var results [2]hand.HandResult
	for i := range d.Participants {
		res, err := hand.Evaluate(d.Participants[i].Selection)
		if err != nil {
			// Validated on entry; reaching here is an invariant violation.
			// Fatal for this duel only: force a draw rather than wedge it.
			m.duelLog(d.ID).WithError(err).Error("hand evaluation failed; forcing draw")
			return d.finish(uuid.Nil, EndReasonInternal, now)
		}
		results[i] = res
	}

	round := Round{
		Number:  d.Round,
		Results: results,
	}
	for i := range d.Participants {
		round.Selections[i] = d.Participants[i].Selection
	}

	winnerIdx := -1
	switch cmp := results[0].Compare(results[1]); {
	case cmp > 0:
		winnerIdx = 0
	case cmp < 0:
		winnerIdx = 1
	}
	if winnerIdx >= 0 {
		round.Winner = d.Participants[winnerIdx].CharacterID
		round.ScoreDelta = d.Rules.PointsPerRound
		d.Participants[winnerIdx].Score += d.Rules.PointsPerRound
	}

	d.History = append(d.History, round)
	fx.round = &d.History[len(d.History)-1]

	for i := range d.Participants {
		d.Participants[i].Dealt = nil
		d.Participants[i].Selection = nil
	}
	if err := d.setPhase(PhaseRoundEnd); err != nil {
		return err
	}
	d.PhaseDeadline = nil
	fx.phaseChanged = true

	if winnerIdx >= 0 && d.Participants[winnerIdx].Score >= d.Rules.TargetScore {
		return d.finish(d.Participants[winnerIdx].CharacterID, EndReasonScore, now)
	}
	if d.Round >= d.Rules.MaxRounds {
		winner := uuid.Nil
		if lead := d.leader(); lead >= 0 {
			winner = d.Participants[lead].CharacterID
		}
		return d.finish(winner, EndReasonRoundCap, now)
	}
	return nil
}

// Forfeit concedes the duel to the opponent.
func (m *Machine) Forfeit(ctx context.Context, duelID, characterID uuid.UUID) (*Duel, error) {
	var fx effects
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		fx = effects{}
		idx, ok := d.ParticipantIndex(characterID)
		if !ok {
			return ErrNotParticipant
		}
		if d.Phase.Terminal() {
			return fmt.Errorf("%w: duel already ended", ErrInvalidAction)
		}
		opponent := d.Participants[1-idx].CharacterID
		return d.finish(opponent, EndReasonForfeit, m.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	m.afterCommit(ctx, d, &fx)
	return d, nil
}

// Heartbeat refreshes a character's liveness (and, through the atomic
// update, the stored record's TTL). A character with no active duel is fine.
func (m *Machine) Heartbeat(ctx context.Context, characterID uuid.UUID) error {
	duelID, err := m.store.DuelIDForCharacter(ctx, characterID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = m.mutate(ctx, duelID, func(d *Duel) error {
		idx, ok := d.ParticipantIndex(characterID)
		if !ok {
			return ErrNotParticipant
		}
		if d.Phase.Terminal() {
			return errSuperseded
		}
		d.Participants[idx].LastSeen = m.clock.Now()
		return nil
	})
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

// HandleDisconnect marks the character disconnected, persists the grace
// deadline, arms the grace timer and notifies the opponent. Safe to call for
// characters with no active duel.
func (m *Machine) HandleDisconnect(ctx context.Context, characterID uuid.UUID) error {
	duelID, err := m.store.DuelIDForCharacter(ctx, characterID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var idx int
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		i, ok := d.ParticipantIndex(characterID)
		if !ok {
			return ErrNotParticipant
		}
		if d.Phase.Terminal() {
			return errSuperseded
		}
		idx = i
		now := m.clock.Now()
		p := &d.Participants[i]
		if !p.Connected {
			return errSuperseded
		}
		p.Connected = false
		p.DisconnectedAt = &now
		d.refreshGraceDeadline()
		return nil
	})
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}

	if d.GraceDeadline != nil {
		m.armGraceDeadline(d)
	}
	graceEnd := d.Participants[idx].DisconnectedAt.Add(d.Rules.GracePeriod)
	m.sendTo(d.Participants[1-idx].CharacterID, Event{
		Type:           EventOpponentDisconnected,
		DuelID:         d.ID,
		GraceExpiresAt: &graceEnd,
	})
	m.duelLog(d.ID).WithField("character_id", characterID).Info("participant disconnected; grace timer armed")
	return nil
}

// HandleReconnect restores a disconnected participant inside the grace
// window. The caller receives the committed duel and the viewer index for the
// private sync snapshot. After grace expiry the duel has already ended by
// forfeit and reconnection is rejected.
func (m *Machine) HandleReconnect(ctx context.Context, characterID uuid.UUID) (*Duel, int, error) {
	duelID, err := m.store.DuelIDForCharacter(ctx, characterID)
	if err != nil {
		return nil, 0, err
	}

	var idx int
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		i, ok := d.ParticipantIndex(characterID)
		if !ok {
			return ErrNotParticipant
		}
		if d.Phase.Terminal() {
			return fmt.Errorf("%w: duel already ended", ErrInvalidAction)
		}
		idx = i
		p := &d.Participants[i]
		p.Connected = true
		p.Joined = true
		p.DisconnectedAt = nil
		p.LastSeen = m.clock.Now()
		d.refreshGraceDeadline()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if d.GraceDeadline == nil {
		m.timers.Cancel(d.ID, timer.SlotGrace)
	} else {
		m.armGraceDeadline(d)
	}
	m.sendTo(d.Participants[1-idx].CharacterID, Event{
		Type:   EventOpponentReconnected,
		DuelID: d.ID,
	})
	m.sendTo(characterID, Event{
		Type:   EventPrivateSync,
		DuelID: d.ID,
		Sync:   SyncFor(d, idx),
	})
	m.duelLog(d.ID).WithField("character_id", characterID).Info("participant reconnected")
	return d, idx, nil
}

// afterCommit emits events and arms timers for a freshly committed state.
// Terminal states route through finalize; the timer invariant (terminal duel
// owns zero live timers) is enforced there.
func (m *Machine) afterCommit(ctx context.Context, d *Duel, fx *effects) {
	if fx.dealt {
		for i := range d.Participants {
			m.sendTo(d.Participants[i].CharacterID, Event{
				Type:   EventPrivateDealt,
				DuelID: d.ID,
				Round:  d.Round,
				Cards:  cardStrings(d.Participants[i].Dealt),
			})
		}
	}
	if fx.round != nil {
		m.broadcast(d, Event{
			Type:        EventRoundResult,
			DuelID:      d.ID,
			Round:       fx.round.Number,
			RoundResult: roundPayload(d, *fx.round),
		})
	}

	if d.Phase.Terminal() {
		m.finalize(ctx, d)
		return
	}

	if fx.phaseChanged {
		m.broadcast(d, m.phaseEvent(d))
	}

	switch d.Phase {
	case PhaseWaiting, PhaseReadyCheck, PhaseSelection:
		m.armPhaseDeadline(d)
	case PhaseDealing:
		// No player input is awaited here: any deadline for the previous
		// input phase is superseded, not merely stale.
		m.timers.Cancel(d.ID, timer.SlotPhase)
		duelID, round := d.ID, d.Round
		m.timers.Arm(d.ID, timer.SlotEffect, m.clock.Now().Add(d.Rules.DealDelay), func() {
			m.onDealDelay(duelID, round)
		})
	case PhaseRoundEnd:
		m.timers.Cancel(d.ID, timer.SlotPhase)
		duelID, round := d.ID, d.Round
		m.timers.Arm(d.ID, timer.SlotEffect, m.clock.Now().Add(d.Rules.DealDelay), func() {
			m.onRoundEndDelay(duelID, round)
		})
	}
}

func (m *Machine) phaseEvent(d *Duel) Event {
	return Event{
		Type:       EventPhaseChanged,
		DuelID:     d.ID,
		Phase:      d.Phase.String(),
		Round:      d.Round,
		DeadlineAt: d.PhaseDeadline,
	}
}

func (m *Machine) armPhaseDeadline(d *Duel) {
	if d.PhaseDeadline == nil {
		return
	}
	duelID, phase, round := d.ID, d.Phase, d.Round
	m.timers.Arm(d.ID, timer.SlotPhase, *d.PhaseDeadline, func() {
		m.onPhaseDeadline(duelID, phase, round)
	})
}

func (m *Machine) armGraceDeadline(d *Duel) {
	if d.GraceDeadline == nil {
		return
	}
	duelID := d.ID
	m.timers.Arm(d.ID, timer.SlotGrace, *d.GraceDeadline, func() {
		m.onGraceDeadline(duelID)
	})
}

// onPhaseDeadline fires when a player-input phase runs out. The callback
// re-reads current state through the atomic path and no-ops if the duel has
// moved on — a timer never mutates state it no longer governs.
func (m *Machine) onPhaseDeadline(duelID uuid.UUID, phase Phase, round int) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	var fx effects
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		fx = effects{}
		if d.Phase != phase || d.Round != round || d.PhaseDeadline == nil {
			return errSuperseded
		}
		now := m.clock.Now()
		switch phase {
		case PhaseWaiting, PhaseReadyCheck:
			// Somebody never showed up. Void the duel and refund.
			return d.finish(uuid.Nil, EndReasonAbandoned, now)
		case PhaseSelection:
			return m.applySelectionTimeout(d, &fx, now)
		default:
			return errSuperseded
		}
	})
	if err != nil {
		if !errors.Is(err, errSuperseded) && !errors.Is(err, ErrNotFound) {
			m.duelLog(duelID).WithError(err).Error("phase deadline handling failed")
		}
		return
	}
	m.afterCommit(ctx, d, &fx)
}

// applySelectionTimeout fills in the default selection for every participant
// that missed the deadline. Three consecutive timeouts forfeit the duel.
// Runs inside a mutator.
func (m *Machine) applySelectionTimeout(d *Duel, fx *effects, now time.Time) error {
	anyTimedOut := false
	for i := range d.Participants {
		p := &d.Participants[i]
		if p.Selection != nil {
			continue
		}
		p.Selection = hand.LowestN(p.Dealt, hand.HandSize)
		p.TimeoutStreak++
		fx.timedOut[i] = true
		anyTimedOut = true
	}
	if !anyTimedOut {
		// Both selections landed before the timer; the select path already
		// resolved the round.
		return errSuperseded
	}

	var offenders []int
	for i := range d.Participants {
		if fx.timedOut[i] && d.Participants[i].TimeoutStreak >= d.Rules.MaxTimeoutStreak {
			offenders = append(offenders, i)
		}
	}
	switch len(offenders) {
	case 1:
		winner := d.Participants[1-offenders[0]].CharacterID
		return d.finish(winner, EndReasonTimeoutForfeit, now)
	case 2:
		return d.finish(uuid.Nil, EndReasonTimeoutForfeit, now)
	}
	return m.resolveRound(d, fx)
}

// onDealDelay moves the duel out of the dealing animation into selection.
func (m *Machine) onDealDelay(duelID uuid.UUID, round int) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	var fx effects
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		fx = effects{}
		if d.Phase != PhaseDealing || d.Round != round {
			return errSuperseded
		}
		if err := d.setPhase(PhaseSelection); err != nil {
			return err
		}
		dl := m.clock.Now().Add(d.Rules.SelectionTimeout)
		d.PhaseDeadline = &dl
		fx.phaseChanged = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSuperseded) && !errors.Is(err, ErrNotFound) {
			m.duelLog(duelID).WithError(err).Error("deal delay handling failed")
		}
		return
	}
	m.afterCommit(ctx, d, &fx)
}

// onRoundEndDelay starts the next round after the round-result pause.
func (m *Machine) onRoundEndDelay(duelID uuid.UUID, round int) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	var fx effects
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		fx = effects{}
		if d.Phase != PhaseRoundEnd || d.Round != round {
			return errSuperseded
		}
		return m.startRound(d, &fx)
	})
	if err != nil {
		if !errors.Is(err, errSuperseded) && !errors.Is(err, ErrNotFound) {
			m.duelLog(duelID).WithError(err).Error("round transition failed")
		}
		return
	}
	m.afterCommit(ctx, d, &fx)
}

// onGraceDeadline resolves a disconnect whose grace window ran out.
func (m *Machine) onGraceDeadline(duelID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	var fx effects
	d, err := m.mutate(ctx, duelID, func(d *Duel) error {
		fx = effects{}
		if d.Phase.Terminal() {
			return errSuperseded
		}
		now := m.clock.Now()
		var expired []int
		for i := range d.Participants {
			p := &d.Participants[i]
			if p.Connected || p.DisconnectedAt == nil {
				continue
			}
			if !now.Before(p.DisconnectedAt.Add(d.Rules.GracePeriod)) {
				expired = append(expired, i)
			}
		}
		switch len(expired) {
		case 0:
			// Reconnected before we got here.
			return errSuperseded
		case 1:
			winner := d.Participants[1-expired[0]].CharacterID
			return d.finish(winner, EndReasonDisconnect, now)
		default:
			return d.finish(uuid.Nil, EndReasonDisconnect, now)
		}
	})
	if err != nil {
		if !errors.Is(err, errSuperseded) && !errors.Is(err, ErrNotFound) {
			m.duelLog(duelID).WithError(err).Error("grace deadline handling failed")
		}
		return
	}
	m.afterCommit(ctx, d, &fx)
}

// finalize runs the terminal effects exactly once: cancel every timer,
// settle the wager, publish the result, archive, and tell the players. The
// Settled flag is claimed through the same atomic path as everything else, so
// concurrent finalizers collapse to one.
func (m *Machine) finalize(ctx context.Context, d *Duel) {
	m.timers.CancelAll(d.ID)

	_, err := m.mutate(ctx, d.ID, func(x *Duel) error {
		if x.Settled {
			return errSuperseded
		}
		x.Settled = true
		return nil
	})
	if errors.Is(err, errSuperseded) {
		return
	}
	if err != nil {
		// Could not claim the flag; the reward ledger is idempotent per duel,
		// so settling anyway cannot double-pay.
		m.duelLog(d.ID).WithError(err).Error("failed to mark duel settled")
	}

	draw := d.Winner == uuid.Nil
	var winner, loser uuid.UUID
	if !draw {
		winner = d.Winner
		if idx, ok := d.ParticipantIndex(winner); ok {
			loser = d.Participants[1-idx].CharacterID
		}
	}

	if m.rewards != nil {
		if err := m.rewards.Settle(ctx, d.ID, winner, loser, d.Wager, draw); err != nil {
			m.duelLog(d.ID).WithError(err).Error("reward settlement failed")
		}
	}

	ev := ResultEvent{
		DuelID:     d.ID,
		WinnerID:   winner,
		LoserID:    loser,
		RoundCount: len(d.History),
		Reason:     d.EndReason,
		Wager:      d.Wager,
		EndedAt:    m.clock.Now(),
	}
	if d.EndedAt != nil {
		ev.EndedAt = *d.EndedAt
	}
	if err := m.store.PublishResult(ctx, ev); err != nil {
		m.duelLog(d.ID).WithError(err).Error("result publish failed")
	}

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, d); err != nil {
			m.duelLog(d.ID).WithError(err).Error("duel archival failed")
		}
	}

	out := Event{
		Type:   EventDuelEnded,
		DuelID: d.ID,
		Reason: string(d.EndReason),
	}
	if !draw {
		out.WinnerID = winner.String()
	}
	m.broadcast(d, out)

	m.duelLog(d.ID).WithFields(logrus.Fields{
		"winner_id": winner,
		"reason":    d.EndReason,
		"rounds":    len(d.History),
	}).Info("duel ended")
}

// RecoverActive re-derives timers from persisted deadlines after a process
// restart. Handles are process-local; stored deadlines are the truth.
func (m *Machine) RecoverActive(ctx context.Context) (int, error) {
	duels, err := m.store.ListExpiringSoon(ctx, recoveryWindow)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, d := range duels {
		if d.Phase.Terminal() {
			continue
		}
		if d.PhaseDeadline != nil {
			m.armPhaseDeadline(d)
		}
		if d.GraceDeadline != nil {
			m.armGraceDeadline(d)
		}
		// Transient delays are not persisted; nudge stalled duels forward.
		switch d.Phase {
		case PhaseDealing:
			duelID, round := d.ID, d.Round
			m.timers.Arm(d.ID, timer.SlotEffect, m.clock.Now().Add(d.Rules.DealDelay), func() {
				m.onDealDelay(duelID, round)
			})
		case PhaseRoundEnd:
			duelID, round := d.ID, d.Round
			m.timers.Arm(d.ID, timer.SlotEffect, m.clock.Now().Add(d.Rules.DealDelay), func() {
				m.onRoundEndDelay(duelID, round)
			})
		}
		recovered++
	}
	m.log.WithField("count", recovered).Info("recovered active duels")
	return recovered, nil
}

// Get returns the duel for reads (sync snapshots, admin).
func (m *Machine) Get(ctx context.Context, duelID uuid.UUID) (*Duel, error) {
	return m.store.Get(ctx, duelID)
}

// DuelIDForCharacter resolves a character's active duel.
func (m *Machine) DuelIDForCharacter(ctx context.Context, characterID uuid.UUID) (uuid.UUID, error) {
	return m.store.DuelIDForCharacter(ctx, characterID)
}
