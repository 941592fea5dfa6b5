package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
)

func newRolloutMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var rolloutRowColumns = []string{
	"id", "version", "stage_percentages", "current_stage", "status", "total_devices",
	"updated_devices", "failed_devices", "auto_expand", "expand_after_minutes",
	"failure_threshold", "last_expanded", "created_by", "created_at", "updated_at",
}

func rolloutRow(status models.RolloutStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(rolloutRowColumns).
		AddRow("r-1", "2.0.0", []byte("[5,25,50,100]"), 1, status, 100, 3, 1, true, 30, 10, now, nil, now, now)
}

func TestRolloutRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectExec("INSERT INTO rollouts").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Create(context.Background(), &models.Rollout{
		ID:               "r-1",
		Version:          "2.0.0",
		StagePercentages: models.StagePercentages{5, 25, 50, 100},
		CurrentStage:     1,
		Status:           models.RolloutStatusActive,
		TotalDevices:     100,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE id = \$1`).
		WithArgs("r-1").
		WillReturnRows(rolloutRow(models.RolloutStatusActive))

	rollout, err := repo.FindByID(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", rollout.Version)
	assert.Equal(t, models.StagePercentages{5, 25, 50, 100}, rollout.StagePercentages)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryListFiltersByStatus(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE 1=1 AND status = \$1 ORDER BY created_at DESC`).
		WithArgs("active").
		WillReturnRows(rolloutRow(models.RolloutStatusActive))

	rollouts, err := repo.List(context.Background(), dto.RolloutFilter{Status: "active"})
	require.NoError(t, err)
	assert.Len(t, rollouts, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryListActiveIDs(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectQuery(`SELECT id FROM rollouts WHERE status = \$1 ORDER BY created_at ASC`).
		WithArgs(models.RolloutStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-1").AddRow("r-2"))

	ids, err := repo.ListActiveIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1", "r-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryMutate(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE id = \$1 FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(rolloutRow(models.RolloutStatusActive))
	mock.ExpectExec("UPDATE rollouts SET current_stage").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rollout, err := repo.Mutate(context.Background(), "r-1", func(r *models.Rollout) error {
		r.Status = models.RolloutStatusPaused
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusPaused, rollout.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryMutateRollsBackOnError(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE id = \$1 FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(rolloutRow(models.RolloutStatusActive))
	mock.ExpectRollback()

	boom := errors.New("transition rejected")
	_, err := repo.Mutate(context.Background(), "r-1", func(*models.Rollout) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryRecordOutcomeCountsFirstReport(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE id = \$1 FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(rolloutRow(models.RolloutStatusActive))
	mock.ExpectExec("INSERT INTO rollout_outcomes").
		WithArgs("r-1", "dev-1", models.OutcomeSuccess, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE rollouts SET updated_devices").
		WithArgs(4, 1, sqlmock.AnyArg(), "r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rollout, counted, err := repo.RecordOutcome(context.Background(), "r-1", "dev-1", models.OutcomeSuccess)
	require.NoError(t, err)
	assert.True(t, counted)
	assert.Equal(t, 4, rollout.UpdatedDevices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryRecordOutcomeDuplicateIgnored(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE id = \$1 FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(rolloutRow(models.RolloutStatusActive))
	mock.ExpectExec("INSERT INTO rollout_outcomes").
		WithArgs("r-1", "dev-1", models.OutcomeFailure, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	rollout, counted, err := repo.RecordOutcome(context.Background(), "r-1", "dev-1", models.OutcomeFailure)
	require.NoError(t, err)
	assert.False(t, counted)
	assert.Equal(t, 1, rollout.FailedDevices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryRecordOutcomeFullSnapshotIgnored(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	// Counters already cover the whole fleet snapshot: no insert, no update.
	now := time.Now()
	full := sqlmock.NewRows(rolloutRowColumns).
		AddRow("r-1", "2.0.0", []byte("[5,25,50,100]"), 2, models.RolloutStatusActive, 5, 4, 1, true, 30, 50, now, nil, now, now)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE id = \$1 FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(full)
	mock.ExpectCommit()

	rollout, counted, err := repo.RecordOutcome(context.Background(), "r-1", "dev-late", models.OutcomeSuccess)
	require.NoError(t, err)
	assert.False(t, counted)
	assert.Equal(t, 4, rollout.UpdatedDevices)
	assert.Equal(t, 1, rollout.FailedDevices)
	assert.LessOrEqual(t, rollout.UpdatedDevices+rollout.FailedDevices, rollout.TotalDevices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloutRepositoryRecordOutcomeTerminalRollout(t *testing.T) {
	db, mock, cleanup := newRolloutMock(t)
	defer cleanup()
	repo := NewRolloutRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM rollouts WHERE id = \$1 FOR UPDATE`).
		WithArgs("r-1").
		WillReturnRows(rolloutRow(models.RolloutStatusCancelled))
	mock.ExpectCommit()

	rollout, counted, err := repo.RecordOutcome(context.Background(), "r-1", "dev-1", models.OutcomeSuccess)
	require.NoError(t, err)
	assert.False(t, counted)
	assert.Equal(t, models.RolloutStatusCancelled, rollout.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
