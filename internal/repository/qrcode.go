package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eco-arena-server/internal/model"
)

// QR code errors.
var (
	ErrCodeNotFound = errors.New("qr code not found")
	ErrCodeConsumed = errors.New("qr code already consumed")
)

// QRCodeRepository handles issued arena-entry codes.
type QRCodeRepository struct {
	pool *pgxpool.Pool
}

// NewQRCodeRepository creates a new QRCodeRepository instance.
func NewQRCodeRepository(pool *pgxpool.Pool) *QRCodeRepository {
	return &QRCodeRepository{pool: pool}
}

const qrColumns = `id, user_id, status, issued_at, validated_at`

func scanQRCode(row pgx.Row) (*model.QRCode, error) {
	var c model.QRCode
	err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.IssuedAt, &c.ValidatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Issue creates a pending code bound to the user.
func (r *QRCodeRepository) Issue(ctx context.Context, userID string) (*model.QRCode, error) {
	query := `
		INSERT INTO qr_codes (id, user_id, status, issued_at)
		VALUES ($1, $2, 'pending', NOW())
		RETURNING ` + qrColumns

	c, err := scanQRCode(r.pool.QueryRow(ctx, query, uuid.NewString(), userID))
	if err != nil {
		return nil, fmt.Errorf("failed to issue qr code: %w", err)
	}
	return c, nil
}

// Resolve looks up a code by id.
func (r *QRCodeRepository) Resolve(ctx context.Context, codeID string) (*model.QRCode, error) {
	query := `SELECT ` + qrColumns + ` FROM qr_codes WHERE id = $1`

	c, err := scanQRCode(r.pool.QueryRow(ctx, query, codeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to resolve qr code: %w", err)
	}
	return c, nil
}

// MarkConsumed flips a pending code to validated. The flip is one-way:
// consuming an already-consumed code fails with ErrCodeConsumed, so a code
// can never originate a second session.
func (r *QRCodeRepository) MarkConsumed(ctx context.Context, codeID string) error {
	const query = `
		UPDATE qr_codes
		SET status = 'validated', validated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	res, err := r.pool.Exec(ctx, query, codeID)
	if err != nil {
		return fmt.Errorf("failed to consume qr code: %w", err)
	}
	if res.RowsAffected() == 0 {
		if _, err := r.Resolve(ctx, codeID); err != nil {
			return err
		}
		return ErrCodeConsumed
	}
	return nil
}

// ListByUser retrieves a user's issued codes, newest first.
func (r *QRCodeRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.QRCode, error) {
	query := `
		SELECT ` + qrColumns + `
		FROM qr_codes
		WHERE user_id = $1
		ORDER BY issued_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list qr codes: %w", err)
	}
	defer rows.Close()

	var codes []*model.QRCode
	for rows.Next() {
		c, err := scanQRCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan qr code: %w", err)
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating qr codes: %w", err)
	}
	return codes, nil
}
