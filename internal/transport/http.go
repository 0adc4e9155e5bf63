package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stormfell-games/duelsrv/internal/duel"
)

// CreateDuelHandler accepts duel creation requests from the matchmaking
// service and returns the created duel.
func CreateDuelHandler(m *duel.Machine, log logrus.FieldLogger) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			CharacterA uuid.UUID `json:"characterA"`
			CharacterB uuid.UUID `json:"characterB"`
			Wager      int64     `json:"wager"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		d, err := m.CreateDuel(r.Context(), req.CharacterA, req.CharacterB, req.Wager)
		switch {
		case err == nil:
		case errors.Is(err, duel.ErrDuplicate):
			http.Error(w, "character already in a duel", http.StatusConflict)
			return
		case errors.Is(err, duel.ErrInvalidAction):
			http.Error(w, publicMessage(err), http.StatusBadRequest)
			return
		case errors.Is(err, duel.ErrInfraUnavailable):
			http.Error(w, publicMessage(err), http.StatusServiceUnavailable)
			return
		default:
			log.WithError(err).Error("duel creation failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(d); err != nil {
			log.WithError(err).Debug("response encode failed")
		}
	})
}
