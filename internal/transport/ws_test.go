package transport

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormfell-games/duelsrv/internal/duel"
	"github.com/stormfell-games/duelsrv/internal/hand"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return raw
}

func TestAuthenticateFromQueryToken(t *testing.T) {
	h := NewHub(testSecret, nil)
	characterID := uuid.New()
	token := signToken(t, testSecret, jwt.MapClaims{
		"character_id": characterID.String(),
		"exp":          time.Now().Add(time.Hour).Unix(),
	})

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	got, err := h.authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, characterID, got)
}

func TestAuthenticateFromBearerHeader(t *testing.T) {
	h := NewHub(testSecret, nil)
	characterID := uuid.New()
	token := signToken(t, testSecret, jwt.MapClaims{"character_id": characterID.String()})

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	got, err := h.authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, characterID, got)
}

func TestAuthenticateRejections(t *testing.T) {
	h := NewHub(testSecret, nil)

	r := httptest.NewRequest("GET", "/ws", nil)
	_, err := h.authenticate(r)
	assert.Error(t, err, "no token")

	forged := signToken(t, []byte("wrong-secret"), jwt.MapClaims{"character_id": uuid.New().String()})
	r = httptest.NewRequest("GET", "/ws?token="+forged, nil)
	_, err = h.authenticate(r)
	assert.Error(t, err, "wrong signing key")

	expired := signToken(t, testSecret, jwt.MapClaims{
		"character_id": uuid.New().String(),
		"exp":          time.Now().Add(-time.Hour).Unix(),
	})
	r = httptest.NewRequest("GET", "/ws?token="+expired, nil)
	_, err = h.authenticate(r)
	assert.Error(t, err, "expired token")

	noClaim := signToken(t, testSecret, jwt.MapClaims{})
	r = httptest.NewRequest("GET", "/ws?token="+noClaim, nil)
	_, err = h.authenticate(r)
	assert.Error(t, err, "missing character_id claim")
}

func TestParseCards(t *testing.T) {
	cards, err := parseCards([]string{"AS", "td", "2c"})
	require.NoError(t, err)
	assert.Equal(t, []hand.Card{
		hand.NewCard(hand.SuitSpades, hand.RankAce),
		hand.NewCard(hand.SuitDiamonds, hand.RankTen),
		hand.NewCard(hand.SuitClubs, hand.RankTwo),
	}, cards)

	_, err = parseCards([]string{"AS", "XX"})
	assert.Error(t, err)
}

func TestPublicMessageHidesInfraDetail(t *testing.T) {
	wrapped := errors.Join(duel.ErrInfraUnavailable, errors.New("dial tcp 10.0.0.3:6379: connection refused"))
	assert.NotContains(t, publicMessage(wrapped), "6379")
	assert.Contains(t, publicMessage(duel.ErrInvalidAction), "not valid")
}
