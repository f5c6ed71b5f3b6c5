package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eco-arena-server/internal/model"
)

// Ledger errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrInvalidAmount       = errors.New("invalid amount: must be positive")
)

// LedgerRepository maintains the append-only balance ledger and the
// denormalized running balance on the user row. Entry and balance move in
// one database transaction, and the entry's unique correlation id makes the
// whole write idempotent: retrying a committed credit changes nothing.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

const entryColumns = `id, user_id, amount, reason, correlation_id, created_at`

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.CorrelationID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Credit appends a positive entry and increments the user's balance and
// lifetime earnings atomically. If the correlation id has already been
// written the existing entry is returned and nothing moves.
func (r *LedgerRepository) Credit(ctx context.Context, userID string, amount int64, reason, correlationID string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO ledger_entries (user_id, amount, reason, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (correlation_id) DO NOTHING
		RETURNING ` + entryColumns

	entry, err := scanEntry(tx.QueryRow(ctx, insert, userID, amount, reason, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already credited under this correlation id.
			return r.GetByCorrelationID(ctx, correlationID)
		}
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	res, err := tx.Exec(ctx, `
		UPDATE users
		SET eco_balance = eco_balance + $2, total_earned = total_earned + $2, updated_at = NOW()
		WHERE id = $1
	`, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}
	if res.RowsAffected() == 0 {
		return nil, ErrUserNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}
	return entry, nil
}

// Debit appends a negative entry and decrements the user's balance, guarded
// by the current balance. Fails with ErrInsufficientBalance without writing
// anything when the balance cannot cover the amount. Idempotent on
// correlation id like Credit.
func (r *LedgerRepository) Debit(ctx context.Context, userID string, amount int64, reason, correlationID string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	// Balance guard first so an insufficient debit leaves no entry behind.
	res, err := tx.Exec(ctx, `
		UPDATE users
		SET eco_balance = eco_balance - $2, total_redeemed = total_redeemed + $2, updated_at = NOW()
		WHERE id = $1 AND eco_balance >= $2
	`, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}
	if res.RowsAffected() == 0 {
		exists, eerr := userExistsTx(ctx, tx, userID)
		if eerr != nil {
			return nil, eerr
		}
		if !exists {
			return nil, ErrUserNotFound
		}
		return nil, ErrInsufficientBalance
	}

	insert := `
		INSERT INTO ledger_entries (user_id, amount, reason, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (correlation_id) DO NOTHING
		RETURNING ` + entryColumns

	entry, err := scanEntry(tx.QueryRow(ctx, insert, userID, -amount, reason, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Correlation id already written: this debit committed before.
			// Roll back the duplicate balance move and return the entry.
			return r.GetByCorrelationID(ctx, correlationID)
		}
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit debit: %w", err)
	}
	return entry, nil
}

func userExistsTx(ctx context.Context, tx pgx.Tx, userID string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return exists, nil
}

// GetByCorrelationID retrieves an entry by its correlation id.
func (r *LedgerRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*model.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE correlation_id = $1`

	entry, err := scanEntry(r.pool.QueryRow(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

// GetByUserID retrieves a user's entries, newest first.
func (r *LedgerRepository) GetByUserID(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// SumByUserID replays the ledger for one user. Audit and recovery tooling
// only; the hot path always reads users.eco_balance.
func (r *LedgerRepository) SumByUserID(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`

	var sum int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return sum, nil
}
