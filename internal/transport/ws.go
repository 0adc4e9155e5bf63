// Package transport exposes the duel engine over a websocket per character.
// The engine stays transport-agnostic: this package only authenticates,
// decodes frames into engine calls, and fans engine events back out.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stormfell-games/duelsrv/internal/duel"
)

const writeTimeout = 5 * time.Second

// Hub tracks one websocket per connected character and implements the
// engine's send callback.
type Hub struct {
	machine *duel.Machine
	secret  []byte
	log     logrus.FieldLogger

	mu    sync.RWMutex
	conns map[uuid.UUID]*websocket.Conn
}

func NewHub(secret []byte, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		secret: secret,
		log:    log,
		conns:  make(map[uuid.UUID]*websocket.Conn),
	}
}

// Bind attaches the machine after construction; the machine's send callback
// and the hub reference each other, so one side has to connect late.
func (h *Hub) Bind(m *duel.Machine) { h.machine = m }

// Send implements duel.SendFunc. Events for characters without a live socket
// are dropped; the reconnect sync replays whatever they missed.
func (h *Hub) Send(characterID uuid.UUID, ev duel.Event) {
	h.mu.RLock()
	conn := h.conns[characterID]
	h.mu.RUnlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, ev); err != nil {
		h.log.WithError(err).WithField("character_id", characterID).Debug("event write failed")
	}
}

// authenticate pulls the character identity from the bearer token. Tokens
// ride the Authorization header or, for browser clients, the token query
// parameter.
func (h *Hub) authenticate(r *http.Request) (uuid.UUID, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			raw = auth[len(prefix):]
		}
	}
	if raw == "" {
		return uuid.Nil, errors.New("missing token")
	}

	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil || !tok.Valid {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, errors.New("unexpected claims shape")
	}
	cid, _ := claims["character_id"].(string)
	id, err := uuid.Parse(cid)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad character_id claim: %w", err)
	}
	return id, nil
}

// ServeHTTP upgrades the connection and runs the per-character session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	characterID, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket accept failed")
		return
	}

	h.register(characterID, conn)
	defer h.drop(characterID, conn)

	log := h.log.WithField("character_id", characterID)
	log.Info("character connected")

	// A character with a live duel gets a full private snapshot immediately;
	// this is also what lifts a disconnect grace.
	if _, _, err := h.machine.HandleReconnect(r.Context(), characterID); err != nil &&
		!errors.Is(err, duel.ErrNotFound) {
		log.WithError(err).Debug("reconnect rejected")
	}

	h.readLoop(r.Context(), conn, characterID, log)
}

func (h *Hub) register(characterID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	old := h.conns[characterID]
	h.conns[characterID] = conn
	h.mu.Unlock()
	if old != nil {
		old.Close(websocket.StatusPolicyViolation, "superseded by a newer connection")
	}
}

// drop unregisters the socket and reports the disconnect to the engine,
// unless a newer connection has already taken over the slot.
func (h *Hub) drop(characterID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	current := h.conns[characterID] == conn
	if current {
		delete(h.conns, characterID)
	}
	h.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.machine.HandleDisconnect(ctx, characterID); err != nil {
		h.log.WithError(err).WithField("character_id", characterID).Warn("disconnect handling failed")
	}
	h.log.WithField("character_id", characterID).Info("character disconnected")
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, characterID uuid.UUID, log logrus.FieldLogger) {
	for {
		var msg Inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if err := h.dispatch(ctx, characterID, msg); err != nil {
			if errors.Is(err, duel.ErrInfraUnavailable) {
				log.WithError(err).Error("action failed on infrastructure")
			}
			h.sendError(ctx, conn, err)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, characterID uuid.UUID, msg Inbound) error {
	switch msg.Type {
	case MsgJoin:
		_, err := h.machine.Join(ctx, msg.DuelID, characterID)
		return err
	case MsgReady:
		_, err := h.machine.Ready(ctx, msg.DuelID, characterID)
		return err
	case MsgSelectCards:
		cards, err := parseCards(msg.Cards)
		if err != nil {
			return fmt.Errorf("%w: %v", duel.ErrInvalidAction, err)
		}
		_, err = h.machine.SelectCards(ctx, msg.DuelID, characterID, cards)
		return err
	case MsgUsePerception:
		_, err := h.machine.UsePerception(ctx, msg.DuelID, characterID)
		return err
	case MsgForfeit:
		_, err := h.machine.Forfeit(ctx, msg.DuelID, characterID)
		return err
	case MsgHeartbeat:
		return h.machine.Heartbeat(ctx, characterID)
	default:
		return fmt.Errorf("%w: unknown message type %q", duel.ErrInvalidAction, msg.Type)
	}
}

func (h *Hub) sendError(ctx context.Context, conn *websocket.Conn, err error) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	frame := errorFrame{Type: "error", Message: publicMessage(err)}
	if werr := wsjson.Write(wctx, conn, frame); werr != nil {
		h.log.WithError(werr).Debug("error frame write failed")
	}
}

// publicMessage keeps infrastructure detail out of client-visible errors.
func publicMessage(err error) string {
	if errors.Is(err, duel.ErrInfraUnavailable) {
		return "service temporarily unavailable, try again"
	}
	return err.Error()
}
