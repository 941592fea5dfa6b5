package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ottofleet/fleet-api/internal/models"
)

// DeviceRepository provides persistence for the device registry.
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository constructs the repository.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create inserts a device row.
func (r *DeviceRepository) Create(ctx context.Context, device *models.Device) error {
	const query = `
INSERT INTO devices (id, name, mac_address, current_version, target_version, status, last_seen, created_at, updated_at)
VALUES (:id, :name, :mac_address, :current_version, :target_version, :status, :last_seen, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, device); err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// FindByID fetches a single device.
func (r *DeviceRepository) FindByID(ctx context.Context, id string) (*models.Device, error) {
	const query = `SELECT * FROM devices WHERE id = $1`
	var device models.Device
	if err := r.db.GetContext(ctx, &device, query, id); err != nil {
		return nil, err
	}
	return &device, nil
}

// FindByMAC fetches a device by hardware address.
func (r *DeviceRepository) FindByMAC(ctx context.Context, mac string) (*models.Device, error) {
	const query = `SELECT * FROM devices WHERE mac_address = $1`
	var device models.Device
	if err := r.db.GetContext(ctx, &device, query, mac); err != nil {
		return nil, err
	}
	return &device, nil
}

// List returns devices matching the filter with pagination.
func (r *DeviceRepository) List(ctx context.Context, filter models.DeviceFilter) ([]models.Device, int, error) {
	where := strings.Builder{}
	where.WriteString(" WHERE 1=1")
	args := []interface{}{}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		fmt.Fprintf(&where, " AND status = $%d", len(args))
	}
	if filter.Version != "" {
		args = append(args, filter.Version)
		fmt.Fprintf(&where, " AND current_version = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		fmt.Fprintf(&where, " AND (name ILIKE $%d OR mac_address ILIKE $%d)", len(args), len(args))
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM devices" + where.String()
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count devices: %w", err)
	}

	sortBy := "created_at"
	switch filter.SortBy {
	case "name", "mac_address", "current_version", "last_seen":
		sortBy = filter.SortBy
	}
	order := "ASC"
	if strings.EqualFold(filter.SortOrder, "desc") {
		order = "DESC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	args = append(args, pageSize, (page-1)*pageSize)
	listQuery := fmt.Sprintf("SELECT * FROM devices%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d",
		where.String(), sortBy, order, len(args)-1, len(args))

	devices := []models.Device{}
	if err := r.db.SelectContext(ctx, &devices, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	return devices, total, nil
}

// Count returns the total registered device count, online and offline alike.
// Rollout creation uses this to fix the fleet snapshot size.
func (r *DeviceRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM devices`); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return total, nil
}

// ListIDsOrdered returns device ids in registration order (created_at, then
// id as tie-breaker). The stable order keeps stage targeting deterministic:
// stage k's target population is always a prefix of this sequence.
func (r *DeviceRepository) ListIDsOrdered(ctx context.Context, offset, limit int) ([]string, error) {
	const query = `SELECT id FROM devices ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2`
	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, query, limit, offset); err != nil {
		return nil, fmt.Errorf("list device ids: %w", err)
	}
	return ids, nil
}

// SetTargetVersion points a device at a firmware version. Idempotent:
// issuing it twice for the same device and version is harmless.
func (r *DeviceRepository) SetTargetVersion(ctx context.Context, deviceID, version string) error {
	const query = `UPDATE devices SET target_version = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, version, time.Now().UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("set target version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set target version rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Checkin records a device heartbeat: connectivity, last-seen and the
// firmware version it currently runs.
func (r *DeviceRepository) Checkin(ctx context.Context, deviceID, currentVersion string, seenAt time.Time) error {
	const query = `
UPDATE devices SET status = $1, last_seen = $2, current_version = COALESCE(NULLIF($3, ''), current_version), updated_at = $2
WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, models.DeviceStatusOnline, seenAt, currentVersion, deviceID)
	if err != nil {
		return fmt.Errorf("device checkin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("device checkin rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkOfflineSince flips devices silent past the cutoff to offline and
// returns how many rows changed.
func (r *DeviceRepository) MarkOfflineSince(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
UPDATE devices SET status = $1, updated_at = $2
WHERE status = $3 AND (last_seen IS NULL OR last_seen < $4)`
	res, err := r.db.ExecContext(ctx, query, models.DeviceStatusOffline, time.Now().UTC(), models.DeviceStatusOnline, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark devices offline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark devices offline rows: %w", err)
	}
	return affected, nil
}

// Delete removes a device from the registry.
func (r *DeviceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete device rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountByStatus returns device counts grouped by connectivity status.
func (r *DeviceRepository) CountByStatus(ctx context.Context) (map[models.DeviceStatus]int, error) {
	rows := []struct {
		Status models.DeviceStatus `db:"status"`
		Count  int                 `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM devices GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count devices by status: %w", err)
	}
	counts := make(map[models.DeviceStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// CountByVersion returns device counts grouped by running firmware version.
func (r *DeviceRepository) CountByVersion(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		Version string `db:"current_version"`
		Count   int    `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, `SELECT current_version, COUNT(*) AS count FROM devices GROUP BY current_version`); err != nil {
		return nil, fmt.Errorf("count devices by version: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Version] = row.Count
	}
	return counts, nil
}

// CountPendingUpdates returns how many devices have a target version they
// are not yet running.
func (r *DeviceRepository) CountPendingUpdates(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM devices WHERE target_version IS NOT NULL AND target_version <> current_version`
	var total int
	if err := r.db.GetContext(ctx, &total, query); err != nil {
		return 0, fmt.Errorf("count pending updates: %w", err)
	}
	return total, nil
}
