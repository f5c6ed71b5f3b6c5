package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"eco-arena-server/internal/model"
	"eco-arena-server/internal/pkg/lock"
	"eco-arena-server/internal/repository"
	"eco-arena-server/internal/settlement"
)

// Wallet transfer errors.
var (
	// ErrNoWallet is returned when the user has no settlement-enabled wallet.
	ErrNoWallet = errors.New("no wallet connected")
	// ErrSettlementNotRetryable is returned when retrying a settlement that
	// is not in a failed state.
	ErrSettlementNotRetryable = errors.New("settlement is not retryable")
)

// UserAccounts is the user storage surface the wallet flow needs.
type UserAccounts interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// DebitLedger appends debits to the balance ledger.
type DebitLedger interface {
	Debit(ctx context.Context, userID string, amount int64, reason, correlationID string) (*model.LedgerEntry, error)
}

// SettlementJobs persists external transfer jobs.
type SettlementJobs interface {
	Create(ctx context.Context, userID, walletRef string, amount int64, correlationID string) (*model.Settlement, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*model.Settlement, error)
}

// Enqueuer hands jobs to the settlement worker.
type Enqueuer interface {
	Enqueue(job settlement.Job) error
}

// WalletService converts accumulated eco-coins into external-wallet
// transfers. The local debit commits first; the external call runs later on
// the worker and never holds the balance critical section. A failed
// settlement stays debited until someone explicitly decides otherwise.
type WalletService struct {
	users       UserAccounts
	ledger      DebitLedger
	settlements SettlementJobs
	worker      Enqueuer
	locks       *lock.KeyedLock
}

// NewWalletService creates a WalletService.
func NewWalletService(users UserAccounts, ledger DebitLedger, settlements SettlementJobs, worker Enqueuer) *WalletService {
	return &WalletService{
		users:       users,
		ledger:      ledger,
		settlements: settlements,
		worker:      worker,
		locks:       lock.NewKeyedLock(),
	}
}

// TransferToWallet debits the user's balance and schedules the external
// transfer. A non-positive amount transfers the whole balance; a positive
// amount is clipped to it.
func (s *WalletService) TransferToWallet(ctx context.Context, userID string, amount int64) (*model.Settlement, error) {
	s.locks.Lock(userKey(userID))
	defer s.locks.Unlock(userKey(userID))

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.WalletAddress == nil || !user.BlockchainEnabled {
		return nil, ErrNoWallet
	}

	if amount <= 0 || amount > user.EcoBalance {
		amount = user.EcoBalance
	}
	if amount <= 0 {
		return nil, repository.ErrInsufficientBalance
	}

	correlationID := "transfer:" + uuid.NewString()

	if _, err := s.ledger.Debit(ctx, userID, amount, model.ReasonWalletTransfer, correlationID); err != nil {
		return nil, err
	}

	job, err := s.settlements.Create(ctx, userID, *user.WalletAddress, amount, correlationID)
	if err != nil {
		// Debit is committed; the correlation id is the recovery handle.
		return nil, fmt.Errorf("debit %s committed but settlement record failed: %w", correlationID, err)
	}

	if err := s.worker.Enqueue(settlement.Job{
		CorrelationID: correlationID,
		UserID:        userID,
		WalletRef:     *user.WalletAddress,
		Amount:        amount,
	}); err != nil {
		// Job stays pending in storage; RetrySettlement picks it up.
		log.Warn().Err(err).Str("correlation_id", correlationID).Msg("Settlement enqueue deferred")
	}

	log.Info().
		Str("user_id", userID).
		Str("correlation_id", correlationID).
		Int64("amount", amount).
		Msg("Wallet transfer debited and scheduled")

	return job, nil
}

// RetrySettlement re-enqueues a pending or failed settlement. It never
// touches the ledger: the original debit stands and the job keeps its
// correlation id.
func (s *WalletService) RetrySettlement(ctx context.Context, correlationID string) (*model.Settlement, error) {
	job, err := s.settlements.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.SettlementConfirmed {
		return nil, ErrSettlementNotRetryable
	}

	if err := s.worker.Enqueue(settlement.Job{
		CorrelationID: job.CorrelationID,
		UserID:        job.UserID,
		WalletRef:     job.WalletRef,
		Amount:        job.Amount,
	}); err != nil {
		return nil, err
	}

	log.Info().Str("correlation_id", correlationID).Msg("Settlement retry enqueued")
	return job, nil
}
