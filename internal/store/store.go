// Package store provides keyed storage for arena session records with
// atomic per-session read-modify-write and time-based reclamation.
package store

import (
	"context"
	"errors"
	"time"

	"eco-arena-server/internal/model"
)

// Errors for session store operations.
var (
	// ErrSessionNotFound is returned when no record matches the key.
	ErrSessionNotFound = errors.New("session not found")
	// ErrActiveSessionExists is returned by Create when the user already
	// holds an active session.
	ErrActiveSessionExists = errors.New("user already has an active session")
	// ErrVersionConflict is returned by Update when the stored record has
	// moved past the version the caller read.
	ErrVersionConflict = errors.New("session version conflict")
)

// SessionStore is durable keyed storage for arena sessions. Every mutation
// is an explicit compare-and-swap on the record's version; the store never
// interprets session status beyond maintaining the one-active-per-user index.
// TTL reclamation is a storage backstop only, never a correctness dependency.
type SessionStore interface {
	// Create stores a new session and claims the user's active slot.
	// Fails with ErrActiveSessionExists if another active session holds it.
	Create(ctx context.Context, s *model.ArenaSession) error

	// GetByToken returns the session addressed by its externally-presented
	// token, regardless of status.
	GetByToken(ctx context.Context, token string) (*model.ArenaSession, error)

	// GetActiveByUser returns the user's session currently holding the
	// active slot, or ErrSessionNotFound. The record may already be past
	// its end time; interpreting that is the caller's job.
	GetActiveByUser(ctx context.Context, userID string) (*model.ArenaSession, error)

	// Update writes s if the stored version equals s.Version, bumping the
	// version on success (reflected back into s). A transition to a
	// terminal status releases the user's active slot in the same step.
	// Fails with ErrVersionConflict otherwise.
	Update(ctx context.Context, s *model.ArenaSession) error

	// ListByUser enumerates the user's retained sessions for
	// reconciliation tooling. Order is unspecified.
	ListByUser(ctx context.Context, userID string) ([]*model.ArenaSession, error)

	// ReapExpired removes records whose retention window has passed.
	// Backends with native TTL may make this a no-op.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// retentionDeadline is when a record becomes reclaimable.
func retentionDeadline(s *model.ArenaSession, retention time.Duration) time.Time {
	return s.EndTime.Add(retention)
}

// cloneSession deep-copies a session so store internals never alias caller
// memory (the deposit log in particular).
func cloneSession(s *model.ArenaSession) *model.ArenaSession {
	c := *s
	if s.Location != nil {
		loc := *s.Location
		c.Location = &loc
	}
	if s.Deposits != nil {
		c.Deposits = make([]model.Deposit, len(s.Deposits))
		copy(c.Deposits, s.Deposits)
	}
	return &c
}
