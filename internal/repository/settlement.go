package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eco-arena-server/internal/model"
)

// Settlement errors.
var (
	ErrSettlementNotFound = errors.New("settlement not found")
)

// SettlementRepository persists external-transfer jobs. A job is created
// pending after its balance debit commits and is moved by the settlement
// worker only; the ledger is never touched from here.
type SettlementRepository struct {
	pool *pgxpool.Pool
}

// NewSettlementRepository creates a new SettlementRepository instance.
func NewSettlementRepository(pool *pgxpool.Pool) *SettlementRepository {
	return &SettlementRepository{pool: pool}
}

const settlementColumns = `id, user_id, wallet_ref, amount, correlation_id, status, external_ref, last_error, attempts, created_at, updated_at`

func scanSettlement(row pgx.Row) (*model.Settlement, error) {
	var s model.Settlement
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.WalletRef,
		&s.Amount,
		&s.CorrelationID,
		&s.Status,
		&s.ExternalRef,
		&s.LastError,
		&s.Attempts,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create records a pending settlement keyed by the debit's correlation id.
// Idempotent: re-creating an existing correlation id returns the stored job.
func (r *SettlementRepository) Create(ctx context.Context, userID, walletRef string, amount int64, correlationID string) (*model.Settlement, error) {
	query := `
		INSERT INTO settlements (user_id, wallet_ref, amount, correlation_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, NOW(), NOW())
		ON CONFLICT (correlation_id) DO NOTHING
		RETURNING ` + settlementColumns

	s, err := scanSettlement(r.pool.QueryRow(ctx, query, userID, walletRef, amount, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.GetByCorrelationID(ctx, correlationID)
		}
		return nil, fmt.Errorf("failed to create settlement: %w", err)
	}
	return s, nil
}

// GetByCorrelationID retrieves a settlement by its correlation id.
func (r *SettlementRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*model.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE correlation_id = $1`

	s, err := scanSettlement(r.pool.QueryRow(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return s, nil
}

// MarkConfirmed records a successful external transfer.
func (r *SettlementRepository) MarkConfirmed(ctx context.Context, correlationID, externalRef string) (*model.Settlement, error) {
	query := `
		UPDATE settlements
		SET status = 'confirmed', external_ref = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE correlation_id = $1
		RETURNING ` + settlementColumns

	s, err := scanSettlement(r.pool.QueryRow(ctx, query, correlationID, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to confirm settlement: %w", err)
	}
	return s, nil
}

// MarkFailed records a failed attempt, keeping the job recoverable.
func (r *SettlementRepository) MarkFailed(ctx context.Context, correlationID, reason string) (*model.Settlement, error) {
	query := `
		UPDATE settlements
		SET status = 'failed', last_error = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE correlation_id = $1
		RETURNING ` + settlementColumns

	s, err := scanSettlement(r.pool.QueryRow(ctx, query, correlationID, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to mark settlement failed: %w", err)
	}
	return s, nil
}

// ListByUser retrieves a user's settlements, newest first.
func (r *SettlementRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Settlement, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	var out []*model.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settlements: %w", err)
	}
	return out, nil
}
