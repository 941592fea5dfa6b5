package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ottofleet/fleet-api/internal/models"
)

// FirmwareRepository provides persistence for the firmware catalog.
type FirmwareRepository struct {
	db *sqlx.DB
}

// NewFirmwareRepository constructs the repository.
func NewFirmwareRepository(db *sqlx.DB) *FirmwareRepository {
	return &FirmwareRepository{db: db}
}

// Create inserts a firmware catalog entry.
func (r *FirmwareRepository) Create(ctx context.Context, fw *models.Firmware) error {
	const query = `
INSERT INTO firmware (id, version, filename, size_bytes, checksum, release_notes, uploaded_by, created_at)
VALUES (:id, :version, :filename, :size_bytes, :checksum, :release_notes, :uploaded_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, fw); err != nil {
		return fmt.Errorf("insert firmware: %w", err)
	}
	return nil
}

// FindByID fetches a firmware record.
func (r *FirmwareRepository) FindByID(ctx context.Context, id string) (*models.Firmware, error) {
	var fw models.Firmware
	if err := r.db.GetContext(ctx, &fw, `SELECT * FROM firmware WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &fw, nil
}

// FindByVersion fetches a firmware record by its version string.
func (r *FirmwareRepository) FindByVersion(ctx context.Context, version string) (*models.Firmware, error) {
	var fw models.Firmware
	if err := r.db.GetContext(ctx, &fw, `SELECT * FROM firmware WHERE version = $1`, version); err != nil {
		return nil, err
	}
	return &fw, nil
}

// List returns catalog entries, newest first.
func (r *FirmwareRepository) List(ctx context.Context) ([]models.Firmware, error) {
	firmware := []models.Firmware{}
	if err := r.db.SelectContext(ctx, &firmware, `SELECT * FROM firmware ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("list firmware: %w", err)
	}
	return firmware, nil
}

// Count returns the catalog size.
func (r *FirmwareRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM firmware`); err != nil {
		return 0, fmt.Errorf("count firmware: %w", err)
	}
	return total, nil
}
