// Package timer schedules per-duel deadlines. Every timer is an owned handle
// keyed by (duel, slot): arming a slot replaces any live handle for it,
// cancellation is idempotent, and a handle that fires unregisters itself
// before running so it can never fire twice or survive a cancel.
package timer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Slot identifies which deadline a duel is waiting on. A duel holds at most
// one live timer per slot.
type Slot uint8

const (
	// SlotPhase bounds a phase that waits on participant input.
	SlotPhase Slot = iota
	// SlotGrace bounds the disconnect-reconnect window.
	SlotGrace
	// SlotEffect delays transient, cosmetic-only transitions (deal animation).
	SlotEffect
)

var slotNames = [...]string{"phase", "grace", "effect"}

func (s Slot) String() string {
	if int(s) < len(slotNames) {
		return slotNames[s]
	}
	return "unknown"
}

// slots enumerated for CancelAll.
var slots = []Slot{SlotPhase, SlotGrace, SlotEffect}

type key struct {
	duel uuid.UUID
	slot Slot
}

// Scheduler owns the live timer handles for every duel in this process.
// Deadlines themselves are persisted on the aggregate; handles are process
// local and re-derived from stored deadlines after a restart.
type Scheduler struct {
	mu     sync.Mutex
	timers map[key]*time.Timer
	log    logrus.FieldLogger
}

// New returns an empty scheduler.
func New(log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		timers: make(map[key]*time.Timer),
		log:    log,
	}
}

// Arm schedules fn to run at the given time, replacing any live handle for
// the same duel and slot. A deadline in the past fires immediately (on the
// timer goroutine, never inline).
func (s *Scheduler) Arm(duelID uuid.UUID, slot Slot, at time.Time, fn func()) {
	k := key{duel: duelID, slot: slot}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[k]; ok {
		old.Stop()
		s.log.WithFields(logrus.Fields{"duel_id": duelID, "slot": slot.String()}).
			Debug("replacing armed timer")
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		// Unregister before running; a concurrently re-armed slot holds a
		// different handle and must not be removed.
		s.mu.Lock()
		cur, ok := s.timers[k]
		if !ok || cur != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, k)
		s.mu.Unlock()
		fn()
	})
	s.timers[k] = t
}

// Cancel stops the handle for the given duel and slot. Cancelling an absent
// or already-fired handle is a no-op.
func (s *Scheduler) Cancel(duelID uuid.UUID, slot Slot) {
	k := key{duel: duelID, slot: slot}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[k]; ok {
		t.Stop()
		delete(s.timers, k)
	}
}

// CancelAll stops every handle owned by the duel. Invoked on every terminal
// transition: a duel in a terminal phase has zero live timers.
func (s *Scheduler) CancelAll(duelID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range slots {
		k := key{duel: duelID, slot: slot}
		if t, ok := s.timers[k]; ok {
			t.Stop()
			delete(s.timers, k)
		}
	}
}

// Active returns the number of live handles owned by the duel.
func (s *Scheduler) Active(duelID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, slot := range slots {
		if _, ok := s.timers[key{duel: duelID, slot: slot}]; ok {
			n++
		}
	}
	return n
}
