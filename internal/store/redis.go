// Package store persists duels in Redis. The duel record is a single JSON
// value; a WATCH/MULTI transaction around every write gives the
// version-checked atomic update the engine serializes on.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stormfell-games/duelsrv/internal/duel"
)

const (
	duelKeyPrefix = "duel:"
	charKeyPrefix = "duel:char:"
	deadlineZSet  = "duel:deadlines"

	// ResultChannel carries terminal duel results to downstream consumers.
	ResultChannel = "duel:results"

	// terminalTTL keeps a finished duel readable briefly for late observers
	// before Redis reclaims it. The durable copy lives in the archive.
	terminalTTL = 5 * time.Minute
)

func duelKey(id uuid.UUID) string { return duelKeyPrefix + id.String() }
func charKey(id uuid.UUID) string { return charKeyPrefix + id.String() }

// Redis implements duel.Store.
type Redis struct {
	client *redis.Client
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, log logrus.FieldLogger) *Redis {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{client: client, log: log, now: time.Now}
}

// wrap translates transport failures into the engine's infra sentinel.
// Sentinels already in the taxonomy pass through untouched.
func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, duel.ErrNotFound),
		errors.Is(err, duel.ErrDuplicate),
		errors.Is(err, duel.ErrStateConflict),
		errors.Is(err, duel.ErrInvalidAction),
		errors.Is(err, duel.ErrNotParticipant),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", duel.ErrInfraUnavailable, err)
	}
}

// ttlFor computes the record TTL: idle TTL refreshed on every write, capped
// by the absolute lifetime, collapsed to a short grace for terminal duels.
func (s *Redis) ttlFor(d *duel.Duel) time.Duration {
	if d.Phase.Terminal() {
		return terminalTTL
	}
	now := s.now()
	expires := now.Add(d.Rules.IdleTTL)
	if hard := d.CreatedAt.Add(d.Rules.MaxLifetime); hard.Before(expires) {
		expires = hard
	}
	d.ExpiresAt = expires
	ttl := expires.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// deadlineScore is what the recovery sweep sorts on: the earliest moment
// something about this duel must happen.
func deadlineScore(d *duel.Duel) float64 {
	earliest := d.ExpiresAt
	if d.PhaseDeadline != nil && d.PhaseDeadline.Before(earliest) {
		earliest = *d.PhaseDeadline
	}
	if d.GraceDeadline != nil && d.GraceDeadline.Before(earliest) {
		earliest = *d.GraceDeadline
	}
	return float64(earliest.UnixMilli())
}

// createAttempts bounds the watch loop in Create. Losing the character-key
// race means a concurrent creator just bound one of the characters; the
// re-read then reports the duplicate deterministically.
const createAttempts = 3

// Create persists a fresh duel and binds both characters, all inside one
// transaction so a character can never end up in two active duels. Two
// concurrent creations for an overlapping pair yield exactly one success and
// one ErrDuplicate.
func (s *Redis) Create(ctx context.Context, d *duel.Duel) error {
	keys := []string{charKey(d.Participants[0].CharacterID), charKey(d.Participants[1].CharacterID)}

	for attempt := 0; attempt < createAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			for _, k := range keys {
				if _, err := tx.Get(ctx, k).Result(); err == nil {
					return duel.ErrDuplicate
				} else if !errors.Is(err, redis.Nil) {
					return err
				}
			}
			raw, err := json.Marshal(d)
			if err != nil {
				return err
			}
			ttl := s.ttlFor(d)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, duelKey(d.ID), raw, ttl)
				for _, k := range keys {
					pipe.Set(ctx, k, d.ID.String(), ttl)
				}
				pipe.ZAdd(ctx, deadlineZSet, redis.Z{Score: deadlineScore(d), Member: d.ID.String()})
				return nil
			})
			return err
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return wrap(err)
	}
	return duel.ErrStateConflict
}

// Get returns the stored duel.
func (s *Redis) Get(ctx context.Context, id uuid.UUID) (*duel.Duel, error) {
	raw, err := s.client.Get(ctx, duelKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, duel.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	var d duel.Duel
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: corrupt duel record: %v", duel.ErrInfraUnavailable, err)
	}
	return &d, nil
}

// AtomicUpdate is the single mutation path. WATCH on the duel key turns any
// concurrent write into a transaction failure, which surfaces as
// ErrStateConflict for the engine's bounded retry.
func (s *Redis) AtomicUpdate(ctx context.Context, id uuid.UUID, expectedVersion uint64, fn duel.Mutator) (*duel.Duel, error) {
	var updated *duel.Duel

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, duelKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return duel.ErrNotFound
		}
		if err != nil {
			return err
		}
		var d duel.Duel
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("corrupt duel record: %v", err)
		}
		if d.Version != expectedVersion {
			return duel.ErrStateConflict
		}
		if err := fn(&d); err != nil {
			return err
		}
		d.Version++

		out, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		ttl := s.ttlFor(&d)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, duelKey(id), out, ttl)
			if d.Phase.Terminal() {
				for _, cid := range d.CharacterIDs() {
					pipe.Del(ctx, charKey(cid))
				}
				pipe.ZRem(ctx, deadlineZSet, id.String())
			} else {
				for _, cid := range d.CharacterIDs() {
					pipe.Expire(ctx, charKey(cid), ttl)
				}
				pipe.ZAdd(ctx, deadlineZSet, redis.Z{Score: deadlineScore(&d), Member: id.String()})
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &d
		return nil
	}, duelKey(id))

	if errors.Is(err, redis.TxFailedErr) {
		return nil, duel.ErrStateConflict
	}
	if err != nil {
		return nil, wrap(err)
	}
	return updated, nil
}

// DuelIDForCharacter resolves the character binding.
func (s *Redis) DuelIDForCharacter(ctx context.Context, characterID uuid.UUID) (uuid.UUID, error) {
	raw, err := s.client.Get(ctx, charKey(characterID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, duel.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, wrap(err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: corrupt character binding: %v", duel.ErrInfraUnavailable, err)
	}
	return id, nil
}

// ClearCharacter drops a character binding.
func (s *Redis) ClearCharacter(ctx context.Context, characterID uuid.UUID) error {
	return wrap(s.client.Del(ctx, charKey(characterID)).Err())
}

// ListExpiringSoon returns live duels whose earliest deadline falls within
// window. Entries whose record has already expired are pruned as a side
// effect.
func (s *Redis) ListExpiringSoon(ctx context.Context, window time.Duration) ([]*duel.Duel, error) {
	max := s.now().Add(window).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, deadlineZSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", max),
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}

	out := make([]*duel.Duel, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.client.ZRem(ctx, deadlineZSet, raw)
			continue
		}
		d, err := s.Get(ctx, id)
		if errors.Is(err, duel.ErrNotFound) {
			s.client.ZRem(ctx, deadlineZSet, raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.Phase.Terminal() {
			s.client.ZRem(ctx, deadlineZSet, raw)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// PublishResult pushes the terminal result onto the results channel.
func (s *Redis) PublishResult(ctx context.Context, ev duel.ResultEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return wrap(s.client.Publish(ctx, ResultChannel, raw).Err())
}
