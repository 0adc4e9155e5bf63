package duel

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormfell-games/duelsrv/internal/hand"
)

func mustDeal(t *testing.T) []hand.Card {
	t.Helper()
	hands, err := hand.Deal(1, DefaultRules().DealtCards)
	require.NoError(t, err)
	return hands[0]
}

func TestNewValidation(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	now := time.Now()

	_, err := New(uuid.Nil, b, 0, DefaultRules(), now)
	assert.Error(t, err)
	_, err = New(a, a, 0, DefaultRules(), now)
	assert.Error(t, err, "a character cannot duel itself")
	_, err = New(a, b, -1, DefaultRules(), now)
	assert.Error(t, err)

	d, err := New(a, b, 10, DefaultRules(), now)
	require.NoError(t, err)
	assert.Equal(t, PhaseWaiting, d.Phase)
	assert.Equal(t, uint64(1), d.Version)
	require.NotNil(t, d.PhaseDeadline)
	assert.Equal(t, now.Add(d.Rules.JoinTimeout), *d.PhaseDeadline)
	for i := range d.Participants {
		assert.Equal(t, d.Rules.StartingEnergy, d.Participants[i].Energy)
	}
}

func TestRefreshGraceDeadlinePicksEarliest(t *testing.T) {
	d, err := New(uuid.New(), uuid.New(), 0, DefaultRules(), time.Now())
	require.NoError(t, err)

	d.refreshGraceDeadline()
	assert.Nil(t, d.GraceDeadline, "everyone connected")

	early := time.Now()
	late := early.Add(time.Minute)
	d.Participants[0].Connected = false
	d.Participants[0].DisconnectedAt = &late
	d.Participants[1].Connected = false
	d.Participants[1].DisconnectedAt = &early
	d.refreshGraceDeadline()
	require.NotNil(t, d.GraceDeadline)
	assert.Equal(t, early.Add(d.Rules.GracePeriod), *d.GraceDeadline)

	d.Participants[1].Connected = true
	d.Participants[1].DisconnectedAt = nil
	d.refreshGraceDeadline()
	require.NotNil(t, d.GraceDeadline)
	assert.Equal(t, late.Add(d.Rules.GracePeriod), *d.GraceDeadline)
}

func TestFinishClearsHiddenStateAndDeadlines(t *testing.T) {
	d, err := New(uuid.New(), uuid.New(), 0, DefaultRules(), time.Now())
	require.NoError(t, err)
	d.Participants[0].Dealt = mustDeal(t)
	now := time.Now()
	d.Participants[0].DisconnectedAt = &now
	d.refreshGraceDeadline()

	winner := d.Participants[1].CharacterID
	require.NoError(t, d.finish(winner, EndReasonForfeit, now))

	assert.True(t, d.Phase.Terminal())
	assert.Equal(t, winner, d.Winner)
	assert.Nil(t, d.PhaseDeadline)
	assert.Nil(t, d.GraceDeadline)
	assert.Nil(t, d.Participants[0].Dealt)

	assert.Error(t, d.finish(winner, EndReasonForfeit, now), "terminal is final")
}

func TestLeader(t *testing.T) {
	d, err := New(uuid.New(), uuid.New(), 0, DefaultRules(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, -1, d.leader())
	d.Participants[0].Score = 2
	assert.Equal(t, 0, d.leader())
	d.Participants[1].Score = 3
	assert.Equal(t, 1, d.leader())
}
