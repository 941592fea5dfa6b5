package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
)

const rolloutColumns = `id, version, stage_percentages, current_stage, status, total_devices,
	updated_devices, failed_devices, auto_expand, expand_after_minutes, failure_threshold,
	last_expanded, created_by, created_at, updated_at`

// RolloutRepository provides persistence for staged rollouts. All mutations
// to a single rollout are serialized through row locks so concurrent device
// reports, operator commands and the auto-expand evaluator never interleave.
type RolloutRepository struct {
	db *sqlx.DB
}

// NewRolloutRepository constructs the repository.
func NewRolloutRepository(db *sqlx.DB) *RolloutRepository {
	return &RolloutRepository{db: db}
}

// Create inserts a new rollout row.
func (r *RolloutRepository) Create(ctx context.Context, rollout *models.Rollout) error {
	const query = `
INSERT INTO rollouts (id, version, stage_percentages, current_stage, status, total_devices,
	updated_devices, failed_devices, auto_expand, expand_after_minutes, failure_threshold,
	last_expanded, created_by, created_at, updated_at)
VALUES (:id, :version, :stage_percentages, :current_stage, :status, :total_devices,
	:updated_devices, :failed_devices, :auto_expand, :expand_after_minutes, :failure_threshold,
	:last_expanded, :created_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, rollout); err != nil {
		return fmt.Errorf("insert rollout: %w", err)
	}
	return nil
}

// FindByID fetches a single rollout.
func (r *RolloutRepository) FindByID(ctx context.Context, id string) (*models.Rollout, error) {
	query := fmt.Sprintf(`SELECT %s FROM rollouts WHERE id = $1`, rolloutColumns)
	var rollout models.Rollout
	if err := r.db.GetContext(ctx, &rollout, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get rollout: %w", err)
	}
	return &rollout, nil
}

// List returns rollouts matching the filter, newest first.
func (r *RolloutRepository) List(ctx context.Context, filter dto.RolloutFilter) ([]models.Rollout, error) {
	query := strings.Builder{}
	fmt.Fprintf(&query, `SELECT %s FROM rollouts WHERE 1=1`, rolloutColumns)

	args := []interface{}{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		fmt.Fprintf(&query, " AND status = $%d", len(args))
	}
	if filter.Version != "" {
		args = append(args, filter.Version)
		fmt.Fprintf(&query, " AND version = $%d", len(args))
	}
	query.WriteString(" ORDER BY created_at DESC")

	rollouts := []models.Rollout{}
	if err := r.db.SelectContext(ctx, &rollouts, query.String(), args...); err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	return rollouts, nil
}

// ListActiveIDs returns the ids of rollouts in active status, oldest first.
// Used by the auto-expand evaluator.
func (r *RolloutRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT id FROM rollouts WHERE status = $1 ORDER BY created_at ASC`
	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, query, models.RolloutStatusActive); err != nil {
		return nil, fmt.Errorf("list active rollouts: %w", err)
	}
	return ids, nil
}

// Mutate loads the rollout under a row lock, applies fn to it and persists
// the mutable fields in the same transaction. fn runs with the row
// exclusively held, so transitions and counter updates are linearizable per
// rollout id. Returning an error from fn rolls the transaction back.
func (r *RolloutRepository) Mutate(ctx context.Context, id string, fn func(*models.Rollout) error) (rollout *models.Rollout, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rollout transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rollout = &models.Rollout{}
	query := fmt.Sprintf(`SELECT %s FROM rollouts WHERE id = $1 FOR UPDATE`, rolloutColumns)
	if err = tx.GetContext(ctx, rollout, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("lock rollout: %w", err)
	}

	if err = fn(rollout); err != nil {
		return nil, err
	}

	rollout.UpdatedAt = time.Now().UTC()
	const update = `
UPDATE rollouts SET current_stage = :current_stage, status = :status,
	updated_devices = :updated_devices, failed_devices = :failed_devices,
	last_expanded = :last_expanded, updated_at = :updated_at
WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, update, rollout); err != nil {
		return nil, fmt.Errorf("update rollout: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rollout: %w", err)
	}
	return rollout, nil
}

// RecordOutcome registers a device outcome for a rollout exactly once.
// The dedup insert and the counter increment share one transaction with the
// rollout row locked, so duplicate deliveries never double-count. Once the
// counters account for every device in the creation-time fleet snapshot,
// further reports are ignored: devices registered after the snapshot (or
// spurious device ids) must not skew the failure-rate arithmetic.
func (r *RolloutRepository) RecordOutcome(ctx context.Context, rolloutID, deviceID string, outcome models.OutcomeKind) (rollout *models.Rollout, counted bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin outcome transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rollout = &models.Rollout{}
	query := fmt.Sprintf(`SELECT %s FROM rollouts WHERE id = $1 FOR UPDATE`, rolloutColumns)
	if err = tx.GetContext(ctx, rollout, query, rolloutID); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, sql.ErrNoRows
		}
		return nil, false, fmt.Errorf("lock rollout: %w", err)
	}

	if rollout.Status.Terminal() || rollout.UpdatedDevices+rollout.FailedDevices >= rollout.TotalDevices {
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit outcome: %w", err)
		}
		return rollout, false, nil
	}

	const insert = `
INSERT INTO rollout_outcomes (rollout_id, device_id, outcome, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (rollout_id, device_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, insert, rolloutID, deviceID, outcome, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("insert outcome: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("outcome rows affected: %w", err)
	}

	if affected > 0 {
		counted = true
		switch outcome {
		case models.OutcomeFailure:
			rollout.FailedDevices++
		default:
			rollout.UpdatedDevices++
		}
		rollout.UpdatedAt = time.Now().UTC()
		const update = `
UPDATE rollouts SET updated_devices = $1, failed_devices = $2, updated_at = $3 WHERE id = $4`
		if _, err = tx.ExecContext(ctx, update, rollout.UpdatedDevices, rollout.FailedDevices, rollout.UpdatedAt, rolloutID); err != nil {
			return nil, false, fmt.Errorf("update rollout counters: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit outcome: %w", err)
	}
	return rollout, counted, nil
}
