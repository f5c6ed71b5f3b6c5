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

// Device errors.
var (
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceRepository handles registered physical devices (collection-point
// scanners and bin sensors).
type DeviceRepository struct {
	pool *pgxpool.Pool
}

// NewDeviceRepository creates a new DeviceRepository instance.
func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

const deviceColumns = `id, name, capability, key_hash, created_at`

func scanDevice(row pgx.Row) (*model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.Name, &d.Capability, &d.KeyHash, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Register creates a device record with a hashed API key.
func (r *DeviceRepository) Register(ctx context.Context, name string, capability model.DeviceCapability, keyHash string) (*model.Device, error) {
	query := `
		INSERT INTO devices (id, name, capability, key_hash, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING ` + deviceColumns

	d, err := scanDevice(r.pool.QueryRow(ctx, query, uuid.NewString(), name, capability, keyHash))
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return d, nil
}

// GetByKeyHash looks up a device by its API key hash.
func (r *DeviceRepository) GetByKeyHash(ctx context.Context, keyHash string) (*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE key_hash = $1`

	d, err := scanDevice(r.pool.QueryRow(ctx, query, keyHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// GetByID looks up a device by id.
func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	d, err := scanDevice(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}
