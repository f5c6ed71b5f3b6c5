package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eco-arena-server/internal/model"
)

// Key layout. The active-slot key and the session record share the same TTL
// so a record stays addressable for lazy expiry until retention passes.
const (
	sessionKeyPrefix = "arena:session:"
	activeKeyPrefix  = "arena:active:"
	userSetKeyPrefix = "arena:user:"
)

// createRetries bounds optimistic-transaction retries on contended keys.
const createRetries = 3

// RedisStore is the Redis-backed SessionStore. Per-key atomicity comes from
// WATCH-based optimistic transactions; reclamation rides on native TTL.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisStore creates a SessionStore on the given client.
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, retention: retention}
}

func sessionKey(token string) string { return sessionKeyPrefix + token }
func activeKey(userID string) string { return activeKeyPrefix + userID }
func userSetKey(userID string) string { return userSetKeyPrefix + userID + ":sessions" }

func (r *RedisStore) ttlFor(s *model.ArenaSession, now time.Time) time.Duration {
	ttl := retentionDeadline(s, r.retention).Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Create stores a new session and claims the user's active slot.
func (r *RedisStore) Create(ctx context.Context, s *model.ArenaSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := r.ttlFor(s, time.Now())

	txf := func(tx *redis.Tx) error {
		curTok, err := tx.Get(ctx, activeKey(s.UserID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && curTok != "" {
			// Slot taken; only blocks creation while that session is active.
			raw, gerr := tx.Get(ctx, sessionKey(curTok)).Result()
			if gerr != nil && !errors.Is(gerr, redis.Nil) {
				return gerr
			}
			if gerr == nil {
				var cur model.ArenaSession
				if uerr := json.Unmarshal([]byte(raw), &cur); uerr == nil && cur.Status == model.StatusActive {
					return ErrActiveSessionExists
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(s.Token), data, ttl)
			pipe.Set(ctx, activeKey(s.UserID), s.Token, ttl)
			pipe.SAdd(ctx, userSetKey(s.UserID), s.Token)
			pipe.Expire(ctx, userSetKey(s.UserID), ttl)
			return nil
		})
		return err
	}

	for i := 0; i < createRetries; i++ {
		err := r.rdb.Watch(ctx, txf, activeKey(s.UserID))
		if errors.Is(err, redis.TxFailedErr) {
			continue // key moved under us, re-evaluate
		}
		return err
	}
	// Could not settle the race; whoever moved the key holds the slot.
	return ErrActiveSessionExists
}

// GetByToken returns the session addressed by its token.
func (r *RedisStore) GetByToken(ctx context.Context, token string) (*model.ArenaSession, error) {
	raw, err := r.rdb.Get(ctx, sessionKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var s model.ArenaSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// GetActiveByUser returns the session holding the user's active slot.
func (r *RedisStore) GetActiveByUser(ctx context.Context, userID string) (*model.ArenaSession, error) {
	tok, err := r.rdb.Get(ctx, activeKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get active slot: %w", err)
	}

	s, err := r.GetByToken(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// Record already reclaimed; drop the stale slot.
			_ = r.rdb.Del(ctx, activeKey(userID)).Err()
		}
		return nil, err
	}
	if s.Status != model.StatusActive {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Update applies s under compare-and-swap on Version.
func (r *RedisStore) Update(ctx context.Context, s *model.ArenaSession) error {
	key := sessionKey(s.Token)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return err
		}
		var cur model.ArenaSession
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if cur.Version != s.Version {
			return ErrVersionConflict
		}

		next := cloneSession(s)
		next.Version = s.Version + 1
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			if next.Status.Terminal() {
				pipe.Del(ctx, activeKey(next.UserID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.Version = next.Version
		return nil
	}

	err := r.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent writer committed first; same contract as a version
		// mismatch read straight from the record.
		return ErrVersionConflict
	}
	return err
}

// ListByUser enumerates the user's retained sessions.
func (r *RedisStore) ListByUser(ctx context.Context, userID string) ([]*model.ArenaSession, error) {
	toks, err := r.rdb.SMembers(ctx, userSetKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var out []*model.ArenaSession
	for _, tok := range toks {
		s, err := r.GetByToken(ctx, tok)
		if errors.Is(err, ErrSessionNotFound) {
			_ = r.rdb.SRem(ctx, userSetKey(userID), tok).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReapExpired is a no-op: Redis TTL reclaims records natively.
func (r *RedisStore) ReapExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
