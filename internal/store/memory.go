package store

import (
	"context"
	"sync"
	"time"

	"eco-arena-server/internal/model"
)

// MemoryStore is the in-process SessionStore. It backs tests and single-node
// deployments; semantics match the Redis store.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*model.ArenaSession // token -> record
	active    map[string]string              // userID -> token holding the active slot
	retention time.Duration
}

// NewMemoryStore creates an empty in-memory store. Records are reclaimable
// once retention has passed beyond their end time.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*model.ArenaSession),
		active:    make(map[string]string),
		retention: retention,
	}
}

// Create stores a new session and claims the user's active slot.
func (m *MemoryStore) Create(_ context.Context, s *model.ArenaSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tok, ok := m.active[s.UserID]; ok {
		if cur, exists := m.sessions[tok]; exists && cur.Status == model.StatusActive {
			return ErrActiveSessionExists
		}
		// Stale index entry (record reaped or terminal): fall through.
	}

	rec := cloneSession(s)
	m.sessions[s.Token] = rec
	m.active[s.UserID] = s.Token
	return nil
}

// GetByToken returns the session addressed by its token.
func (m *MemoryStore) GetByToken(_ context.Context, token string) (*model.ArenaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(rec), nil
}

// GetActiveByUser returns the session holding the user's active slot.
func (m *MemoryStore) GetActiveByUser(_ context.Context, userID string) (*model.ArenaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.active[userID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	rec, ok := m.sessions[tok]
	if !ok || rec.Status != model.StatusActive {
		delete(m.active, userID)
		return nil, ErrSessionNotFound
	}
	return cloneSession(rec), nil
}

// Update applies s under compare-and-swap on Version.
func (m *MemoryStore) Update(_ context.Context, s *model.ArenaSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[s.Token]
	if !ok {
		return ErrSessionNotFound
	}
	if rec.Version != s.Version {
		return ErrVersionConflict
	}

	next := cloneSession(s)
	next.Version = s.Version + 1
	m.sessions[s.Token] = next

	if next.Status.Terminal() {
		if tok, ok := m.active[next.UserID]; ok && tok == next.Token {
			delete(m.active, next.UserID)
		}
	}

	s.Version = next.Version
	return nil
}

// ListByUser enumerates all retained sessions for a user.
func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*model.ArenaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.ArenaSession
	for _, rec := range m.sessions {
		if rec.UserID == userID {
			out = append(out, cloneSession(rec))
		}
	}
	return out, nil
}

// ReapExpired removes records whose retention window has passed.
func (m *MemoryStore) ReapExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for tok, rec := range m.sessions {
		if now.After(retentionDeadline(rec, m.retention)) {
			delete(m.sessions, tok)
			if at, ok := m.active[rec.UserID]; ok && at == tok {
				delete(m.active, rec.UserID)
			}
			removed++
		}
	}
	return removed, nil
}
