package duel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stormfell-games/duelsrv/internal/timer"
)

// memStore is an in-memory Store with the same contract as the Redis
// implementation: JSON round-trips on every write, version-checked updates,
// character bindings released on terminal commit. failNext injects version
// conflicts to exercise the retry path.
type memStore struct {
	mu        sync.Mutex
	duels     map[uuid.UUID]*Duel
	chars     map[uuid.UUID]uuid.UUID
	published []ResultEvent
	failNext  int
	updates   int
}

func newMemStore() *memStore {
	return &memStore{
		duels: make(map[uuid.UUID]*Duel),
		chars: make(map[uuid.UUID]uuid.UUID),
	}
}

func cloneDuel(d *Duel) *Duel {
	raw, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	var out Duel
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (s *memStore) Create(_ context.Context, d *Duel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range d.CharacterIDs() {
		if _, ok := s.chars[id]; ok {
			return ErrDuplicate
		}
	}
	for _, id := range d.CharacterIDs() {
		s.chars[id] = d.ID
	}
	s.duels[d.ID] = cloneDuel(d)
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*Duel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.duels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDuel(d), nil
}

func (s *memStore) AtomicUpdate(_ context.Context, id uuid.UUID, expectedVersion uint64, fn Mutator) (*Duel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.failNext > 0 {
		s.failNext--
		return nil, ErrStateConflict
	}
	stored, ok := s.duels[id]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Version != expectedVersion {
		return nil, ErrStateConflict
	}
	working := cloneDuel(stored)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Version++
	s.duels[id] = cloneDuel(working)
	if working.Phase.Terminal() {
		for _, cid := range working.CharacterIDs() {
			if s.chars[cid] == id {
				delete(s.chars, cid)
			}
		}
	}
	return working, nil
}

func (s *memStore) DuelIDForCharacter(_ context.Context, characterID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.chars[characterID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

func (s *memStore) ClearCharacter(_ context.Context, characterID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chars, characterID)
	return nil
}

func (s *memStore) ListExpiringSoon(_ context.Context, _ time.Duration) ([]*Duel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Duel
	for _, d := range s.duels {
		if !d.Phase.Terminal() {
			out = append(out, cloneDuel(d))
		}
	}
	return out, nil
}

func (s *memStore) PublishResult(_ context.Context, ev ResultEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, ev)
	return nil
}

type armedTimer struct {
	at time.Time
	fn func()
}

type timerKey struct {
	duelID uuid.UUID
	slot   timer.Slot
}

// fakeTimers records armed handles and fires them only when the test says so.
type fakeTimers struct {
	mu     sync.Mutex
	armed  map[timerKey]armedTimer
	cancel int
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[timerKey]armedTimer)}
}

func (f *fakeTimers) Arm(duelID uuid.UUID, slot timer.Slot, at time.Time, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[timerKey{duelID, slot}] = armedTimer{at: at, fn: fn}
}

func (f *fakeTimers) Cancel(duelID uuid.UUID, slot timer.Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.armed[timerKey{duelID, slot}]; ok {
		delete(f.armed, timerKey{duelID, slot})
		f.cancel++
	}
}

func (f *fakeTimers) CancelAll(duelID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.armed {
		if k.duelID == duelID {
			delete(f.armed, k)
		}
	}
}

func (f *fakeTimers) has(duelID uuid.UUID, slot timer.Slot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[timerKey{duelID, slot}]
	return ok
}

// fire pops the handle and runs it, the way a real expiry would.
func (f *fakeTimers) fire(t *testing.T, duelID uuid.UUID, slot timer.Slot) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.armed[timerKey{duelID, slot}]
	if ok {
		delete(f.armed, timerKey{duelID, slot})
	}
	f.mu.Unlock()
	require.True(t, ok, "no %s timer armed for duel %s", slot, duelID)
	h.fn()
}

type settlement struct {
	winner, loser uuid.UUID
	wager         int64
	draw          bool
}

type fakeRewards struct {
	mu          sync.Mutex
	escrows     int
	settlements []settlement
	escrowErr   error
}

func (f *fakeRewards) Escrow(_ context.Context, _ uuid.UUID, _ [2]uuid.UUID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.escrowErr != nil {
		return f.escrowErr
	}
	f.escrows++
	return nil
}

func (f *fakeRewards) Settle(_ context.Context, _ uuid.UUID, winner, loser uuid.UUID, wager int64, draw bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settlements = append(f.settlements, settlement{winner: winner, loser: loser, wager: wager, draw: draw})
	return nil
}

type fakeStats struct{ skills map[uuid.UUID]int }

func (f *fakeStats) Skill(_ context.Context, characterID uuid.UUID, _ string) (int, error) {
	return f.skills[characterID], nil
}

// scriptedRand replays a fixed sequence, then repeats the last value.
type scriptedRand struct {
	values []float64
	i      int
}

func (r *scriptedRand) Uniform() (float64, error) {
	if len(r.values) == 0 {
		return 0.5, nil
	}
	v := r.values[r.i]
	if r.i < len(r.values)-1 {
		r.i++
	}
	return v, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness bundles a Machine with its fakes and captured outbound events.
type harness struct {
	t       *testing.T
	store   *memStore
	timers  *fakeTimers
	rewards *fakeRewards
	stats   *fakeStats
	rand    *scriptedRand
	clock   *fakeClock
	m       *Machine

	mu     sync.Mutex
	events map[uuid.UUID][]Event

	alice, bob uuid.UUID
}

func newHarness(t *testing.T, rules Rules) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   newMemStore(),
		timers:  newFakeTimers(),
		rewards: &fakeRewards{},
		stats:   &fakeStats{skills: make(map[uuid.UUID]int)},
		rand:    &scriptedRand{},
		clock:   &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
		events:  make(map[uuid.UUID][]Event),
		alice:   uuid.New(),
		bob:     uuid.New(),
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	h.m = NewMachine(Options{
		Store:   h.store,
		Timers:  h.timers,
		Rewards: h.rewards,
		Stats:   h.stats,
		Rand:    h.rand,
		Clock:   h.clock,
		Rules:   rules,
		Log:     log,
		Send: func(characterID uuid.UUID, ev Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events[characterID] = append(h.events[characterID], ev)
		},
	})
	return h
}

func (h *harness) eventsOf(characterID uuid.UUID, typ EventType) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events[characterID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// startDuel walks create/join/ready through the deal delay into selection.
func (h *harness) startDuel(wager int64) *Duel {
	h.t.Helper()
	ctx := context.Background()
	d, err := h.m.CreateDuel(ctx, h.alice, h.bob, wager)
	require.NoError(h.t, err)
	_, err = h.m.Join(ctx, d.ID, h.alice)
	require.NoError(h.t, err)
	_, err = h.m.Join(ctx, d.ID, h.bob)
	require.NoError(h.t, err)
	_, err = h.m.Ready(ctx, d.ID, h.alice)
	require.NoError(h.t, err)
	_, err = h.m.Ready(ctx, d.ID, h.bob)
	require.NoError(h.t, err)
	h.timers.fire(h.t, d.ID, timer.SlotEffect) // dealing -> selection
	cur, err := h.store.Get(ctx, d.ID)
	require.NoError(h.t, err)
	require.Equal(h.t, PhaseSelection, cur.Phase)
	return cur
}
