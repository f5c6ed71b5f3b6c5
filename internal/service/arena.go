// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"eco-arena-server/internal/broadcast"
	"eco-arena-server/internal/model"
	"eco-arena-server/internal/pkg/lock"
	"eco-arena-server/internal/repository"
	"eco-arena-server/internal/reward"
	"eco-arena-server/internal/store"
)

// Common errors for arena operations.
var (
	// ErrInvalidCode covers unknown, foreign, and already-consumed codes.
	ErrInvalidCode = errors.New("invalid or already used qr code")
	// ErrSessionNotFound is returned for unknown or terminal session tokens.
	ErrSessionNotFound = errors.New("no active arena session for token")
	// ErrSessionExpired rejects a deposit because session time ran out.
	ErrSessionExpired = errors.New("arena session expired")
	// ErrSessionCapped rejects a deposit because the reward cap is reached.
	ErrSessionCapped = errors.New("arena session reward cap reached")
	// ErrNoActiveSession is returned by exit when the user has no session.
	ErrNoActiveSession = errors.New("no active arena session")
	// ErrConflict is returned when concurrent writers starve a bounded
	// compare-and-swap retry loop.
	ErrConflict = errors.New("session modified concurrently")
)

// DuplicateSessionError reports the session already holding the user's
// active slot, so the caller can resume it instead of retrying blindly.
type DuplicateSessionError struct {
	SessionID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("user already has an active arena session: %s", e.SessionID)
}

// UserDirectory is the slice of user storage the arena needs.
type UserDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// CodeResolver is the QR-code collaborator surface.
type CodeResolver interface {
	Resolve(ctx context.Context, codeID string) (*model.QRCode, error)
	MarkConsumed(ctx context.Context, codeID string) error
}

// Ledger is the balance-ledger surface used on the deposit path.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int64, reason, correlationID string) (*model.LedgerEntry, error)
}

// casRetries bounds compare-and-swap retries against concurrent writers
// (another replica, or a racing exit/deposit on the same session).
const casRetries = 3

// ArenaService is the session state machine. It owns every arena session
// mutation: creation, deposit admission, expiry, and exit. All writes go
// through the store's versioned compare-and-swap; per-key locks only keep
// one local writer per session to cut conflict churn.
type ArenaService struct {
	sessions store.SessionStore
	users    UserDirectory
	codes    CodeResolver
	ledger   Ledger
	hub      *broadcast.Hub
	policy   reward.Policy
	locks    *lock.KeyedLock

	sessionDuration time.Duration
	rewardCap       int

	now func() time.Time
}

// NewArenaService creates an ArenaService.
func NewArenaService(
	sessions store.SessionStore,
	users UserDirectory,
	codes CodeResolver,
	ledger Ledger,
	hub *broadcast.Hub,
	policy reward.Policy,
	sessionDuration time.Duration,
	rewardCap int,
) *ArenaService {
	if sessionDuration <= 0 {
		sessionDuration = 600 * time.Second
	}
	if rewardCap <= 0 {
		rewardCap = 100
	}
	return &ArenaService{
		sessions:        sessions,
		users:           users,
		codes:           codes,
		ledger:          ledger,
		hub:             hub,
		policy:          policy,
		locks:           lock.NewKeyedLock(),
		sessionDuration: sessionDuration,
		rewardCap:       rewardCap,
		now:             time.Now,
	}
}

func userKey(userID string) string { return "user:" + userID }
func tokenKey(token string) string { return "token:" + token }

// StartSession validates a scanned QR code and opens the user's arena
// session. The code is consumed first and consumed exactly once; a consumed
// code can never originate a second session even if creation then fails.
func (s *ArenaService) StartSession(ctx context.Context, userID, codeID, deviceID string, location *model.GeoPoint) (*model.ArenaSession, error) {
	s.locks.Lock(userKey(userID))
	defer s.locks.Unlock(userKey(userID))

	exists, err := s.users.Exists(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !exists {
		return nil, repository.ErrUserNotFound
	}

	code, err := s.codes.Resolve(ctx, codeID)
	if err != nil {
		if errors.Is(err, repository.ErrCodeNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("failed to resolve code: %w", err)
	}
	if code.UserID != userID || code.Status != model.QRStatusPending {
		return nil, ErrInvalidCode
	}

	// Exclusivity check, with lazy expiry of a stale record.
	if cur, err := s.sessions.GetActiveByUser(ctx, userID); err == nil {
		if cur.TimeValid(s.now()) {
			return nil, &DuplicateSessionError{SessionID: cur.ID}
		}
		s.expire(ctx, cur)
	} else if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, fmt.Errorf("failed to check active session: %w", err)
	}

	if err := s.codes.MarkConsumed(ctx, codeID); err != nil {
		if errors.Is(err, repository.ErrCodeConsumed) || errors.Is(err, repository.ErrCodeNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}

	now := s.now()
	session := &model.ArenaSession{
		ID:        uuid.NewString(),
		Token:     uuid.NewString(),
		UserID:    userID,
		QRCodeID:  codeID,
		DeviceID:  deviceID,
		Location:  location,
		StartTime: now,
		EndTime:   now.Add(s.sessionDuration),
		Status:    model.StatusActive,
		RewardCap: s.rewardCap,
		Deposits:  []model.Deposit{},
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			if cur, gerr := s.sessions.GetActiveByUser(ctx, userID); gerr == nil {
				return nil, &DuplicateSessionError{SessionID: cur.ID}
			}
			return nil, &DuplicateSessionError{}
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Str("session_id", session.ID).
		Str("device_id", deviceID).
		Time("end_time", session.EndTime).
		Msg("Arena session started")

	s.hub.Publish(userID, broadcast.EventArenaStarted, map[string]any{
		"sessionId":    session.ID,
		"sessionToken": session.Token,
		"startTime":    session.StartTime,
		"endTime":      session.EndTime,
		"duration":     int(s.sessionDuration / time.Second),
		"rewardCap":    session.RewardCap,
	})

	return session, nil
}

// RecordDeposit admits one reported disposal event against the session
// addressed by its token, credits the owner, and fans the result out. The
// reward is bounded so the session total can never pass the cap; when time
// or cap is already exhausted the session is eagerly transitioned to
// expired and the error names the reason.
func (s *ArenaService) RecordDeposit(ctx context.Context, sessionToken, deviceID string) (*model.DepositResult, error) {
	s.locks.Lock(tokenKey(sessionToken))
	defer s.locks.Unlock(tokenKey(sessionToken))

	for attempt := 0; attempt < casRetries; attempt++ {
		session, err := s.sessions.GetByToken(ctx, sessionToken)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				return nil, ErrSessionNotFound
			}
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		if session.Status.Terminal() {
			return nil, ErrSessionNotFound
		}

		now := s.now()
		if !session.CanAcceptDeposit(now) {
			s.expire(ctx, session)
			if !session.TimeValid(now) {
				return nil, ErrSessionExpired
			}
			return nil, ErrSessionCapped
		}

		amount := s.policy.ComputeReward(session.RemainingCapacity())
		if amount <= 0 {
			s.expire(ctx, session)
			return nil, ErrSessionCapped
		}

		session.Deposits = append(session.Deposits, model.Deposit{
			Timestamp: now,
			Reward:    amount,
			DeviceID:  deviceID,
		})
		session.DepositCount++
		session.TotalRewards += amount

		if err := s.sessions.Update(ctx, session); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue // re-read and re-admit against fresh state
			}
			return nil, fmt.Errorf("failed to commit deposit: %w", err)
		}

		result := &model.DepositResult{
			DepositNumber:    session.DepositCount,
			Reward:           amount,
			TotalRewards:     session.TotalRewards,
			RemainingRewards: session.RemainingCapacity(),
			RemainingTime:    session.RemainingTime(now),
		}

		// Final step of the deposit: idempotent on session id + deposit
		// number, so recovery can re-issue it without double-crediting.
		correlationID := fmt.Sprintf("%s:%d", session.ID, session.DepositCount)
		if _, err := s.ledger.Credit(ctx, session.UserID, int64(amount), model.ReasonArenaDeposit, correlationID); err != nil {
			log.Error().Err(err).
				Str("session_id", session.ID).
				Str("correlation_id", correlationID).
				Msg("Deposit committed but ledger credit failed")
			return nil, fmt.Errorf("failed to credit deposit %s: %w", correlationID, err)
		}

		log.Info().
			Str("session_id", session.ID).
			Int("deposit_number", result.DepositNumber).
			Int("reward", amount).
			Int("total_rewards", result.TotalRewards).
			Int("remaining_time", result.RemainingTime).
			Msg("Deposit recorded")

		s.hub.Publish(session.UserID, broadcast.EventDepositRecorded, result)

		return result, nil
	}

	return nil, ErrConflict
}

// GetActiveSession returns the user's current active session with its full
// deposit log, or nil when there is none. A session found past its end time
// is lazily transitioned to expired, exactly once, before "none" is
// returned; there is no background sweep.
func (s *ArenaService) GetActiveSession(ctx context.Context, userID string) (*model.ArenaSession, error) {
	session, err := s.sessions.GetActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}

	if !session.TimeValid(s.now()) {
		s.expire(ctx, session)
		return nil, nil
	}
	return session, nil
}

// ListSessions enumerates the user's retained sessions for reconciliation.
func (s *ArenaService) ListSessions(ctx context.Context, userID string) ([]*model.ArenaSession, error) {
	return s.sessions.ListByUser(ctx, userID)
}

// ExitSession ends the user's active session unconditionally, regardless of
// remaining time or capacity. The transition is irrevocable; a deposit
// racing it loses the compare-and-swap and observes a terminal session.
func (s *ArenaService) ExitSession(ctx context.Context, userID string) (*model.SessionSummary, error) {
	s.locks.Lock(userKey(userID))
	defer s.locks.Unlock(userKey(userID))

	session, err := s.sessions.GetActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}

	now := s.now()
	if !session.TimeValid(now) {
		s.expire(ctx, session)
		return nil, ErrNoActiveSession
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		session.Status = model.StatusExited
		err := s.sessions.Update(ctx, session)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to exit session: %w", err)
		}

		// Lost a race against a deposit (or another writer): re-read.
		session, err = s.sessions.GetByToken(ctx, session.Token)
		if err != nil || session.Status.Terminal() {
			return nil, ErrNoActiveSession
		}
		if attempt == casRetries-1 {
			return nil, ErrConflict
		}
	}

	summary := &model.SessionSummary{
		TotalRewards: session.TotalRewards,
		DepositCount: session.DepositCount,
		Duration:     int(now.Sub(session.StartTime).Round(time.Second) / time.Second),
	}

	log.Info().
		Str("user_id", userID).
		Str("session_id", session.ID).
		Int("total_rewards", summary.TotalRewards).
		Int("deposit_count", summary.DepositCount).
		Msg("Arena session exited")

	s.hub.Publish(userID, broadcast.EventSessionEnded, map[string]any{
		"sessionId": session.ID,
		"status":    model.StatusExited,
		"summary":   summary,
	})

	return summary, nil
}

// expire transitions a session to expired, tolerating races: if another
// writer already moved the session to a terminal state the transition is
// dropped, never re-applied.
func (s *ArenaService) expire(ctx context.Context, session *model.ArenaSession) {
	for attempt := 0; attempt < casRetries; attempt++ {
		if session.Status.Terminal() {
			return
		}
		session.Status = model.StatusExpired
		err := s.sessions.Update(ctx, session)
		if err == nil {
			log.Info().
				Str("session_id", session.ID).
				Int("total_rewards", session.TotalRewards).
				Msg("Arena session expired")
			s.hub.Publish(session.UserID, broadcast.EventSessionEnded, map[string]any{
				"sessionId": session.ID,
				"status":    model.StatusExpired,
			})
			return
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to expire session")
			return
		}
		fresh, gerr := s.sessions.GetByToken(ctx, session.Token)
		if gerr != nil {
			return
		}
		session = fresh
	}
}
