package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	"github.com/ottofleet/fleet-api/pkg/config"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
)

const rolloutResource = "rollout"

type rolloutStore interface {
	Create(ctx context.Context, rollout *models.Rollout) error
	FindByID(ctx context.Context, id string) (*models.Rollout, error)
	List(ctx context.Context, filter dto.RolloutFilter) ([]models.Rollout, error)
	Mutate(ctx context.Context, id string, fn func(*models.Rollout) error) (*models.Rollout, error)
	RecordOutcome(ctx context.Context, rolloutID, deviceID string, outcome models.OutcomeKind) (*models.Rollout, bool, error)
}

type fleetCounter interface {
	Count(ctx context.Context) (int, error)
}

type firmwareFinder interface {
	FindByVersion(ctx context.Context, version string) (*models.Firmware, error)
}

type stageTargeter interface {
	ExpandToStage(ctx context.Context, rollout *models.Rollout, fromStage int) (targeted, failed int, err error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type rolloutNotifier interface {
	RolloutEvent(event models.WebhookEvent, rollout *models.Rollout)
}

// RolloutService owns the staged-rollout state machine: stage arithmetic,
// failure-threshold policy, auto-expansion and the resulting device
// targeting decisions. Every mutation of a rollout goes through the store's
// row-locked Mutate/RecordOutcome, so the three concurrent triggers
// (operator commands, device reports, the evaluator) are serialized per id.
type RolloutService struct {
	repo      rolloutStore
	fleet     fleetCounter
	firmware  firmwareFinder
	targeting stageTargeter
	audit     auditLogger
	notifier  rolloutNotifier
	defaults  config.RolloutsConfig
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewRolloutService builds a RolloutService with sane defaults.
func NewRolloutService(
	repo rolloutStore,
	fleet fleetCounter,
	firmware firmwareFinder,
	targeting stageTargeter,
	audit auditLogger,
	notifier rolloutNotifier,
	defaults config.RolloutsConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *RolloutService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(defaults.DefaultStages) == 0 {
		defaults.DefaultStages = []int(models.DefaultStagePercentages)
	}
	if defaults.DefaultFailureThreshold <= 0 {
		defaults.DefaultFailureThreshold = 10
	}
	if defaults.DefaultExpandAfter <= 0 {
		defaults.DefaultExpandAfter = 30 * time.Minute
	}
	return &RolloutService{
		repo:      repo,
		fleet:     fleet,
		firmware:  firmware,
		targeting: targeting,
		audit:     audit,
		notifier:  notifier,
		defaults:  defaults,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the wall-clock source. Intended for tests.
func (s *RolloutService) WithClock(now func() time.Time) *RolloutService {
	if now != nil {
		s.now = now
	}
	return s
}

// Create starts a staged rollout for an existing firmware version. The
// fleet size is snapshotted now and stays fixed for the rollout lifetime;
// stage percentages are fractions of that snapshot.
func (s *RolloutService) Create(ctx context.Context, req dto.CreateRolloutRequest, actor *models.JWTClaims) (*models.Rollout, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rollout payload")
	}

	if _, err := s.firmware.FindByVersion(ctx, req.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("firmware version %q not found", req.Version))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve firmware version")
	}

	stages := models.StagePercentages(req.StagePercentages)
	if err := stages.Validate(); err != nil {
		if len(req.StagePercentages) > 0 {
			s.logger.Warn("invalid stage percentages, falling back to defaults",
				zap.Ints("requested", req.StagePercentages), zap.Error(err))
		}
		stages = append(models.StagePercentages(nil), s.defaults.DefaultStages...)
	}

	total, err := s.fleet.Count(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count fleet devices")
	}

	expandAfter := int(s.defaults.DefaultExpandAfter / time.Minute)
	if req.ExpandAfterMin != nil {
		expandAfter = *req.ExpandAfterMin
	}
	threshold := s.defaults.DefaultFailureThreshold
	if req.FailureThreshold != nil {
		threshold = *req.FailureThreshold
	}

	now := s.now()
	rollout := &models.Rollout{
		ID:               uuid.NewString(),
		Version:          req.Version,
		StagePercentages: stages,
		CurrentStage:     1,
		Status:           models.RolloutStatusActive,
		TotalDevices:     total,
		AutoExpand:       req.AutoExpand,
		ExpandAfterMin:   expandAfter,
		FailureThreshold: threshold,
		LastExpanded:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if actor != nil {
		rollout.CreatedBy = &actor.UserID
	}

	if err := s.repo.Create(ctx, rollout); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create rollout")
	}

	s.expandTargets(ctx, rollout, 0)
	s.emitAudit(ctx, actor, models.AuditActionRolloutCreate, rollout)
	s.notify(models.WebhookEventRolloutCreated, rollout)
	return rollout, nil
}

// Advance moves an active rollout to its next stage, or completes it when
// the current stage is the last. Stages are never skipped.
func (s *RolloutService) Advance(ctx context.Context, id string, actor *models.JWTClaims) (*models.Rollout, error) {
	var fromStage int
	var completed bool

	rollout, err := s.repo.Mutate(ctx, id, func(r *models.Rollout) error {
		if r.Status != models.RolloutStatusActive {
			return invalidState("advance", r.Status)
		}
		fromStage = r.CurrentStage
		if r.LastStage() {
			r.Status = models.RolloutStatusCompleted
			completed = true
			return nil
		}
		r.CurrentStage++
		r.LastExpanded = s.now()
		return nil
	})
	if err != nil {
		return nil, s.mapRolloutError(err, "failed to advance rollout")
	}

	if completed {
		s.emitAudit(ctx, actor, models.AuditActionRolloutAdvance, rollout)
		s.notify(models.WebhookEventRolloutCompleted, rollout)
		return rollout, nil
	}

	s.expandTargets(ctx, rollout, fromStage)
	s.emitAudit(ctx, actor, models.AuditActionRolloutAdvance, rollout)
	s.notify(models.WebhookEventRolloutAdvanced, rollout)
	return rollout, nil
}

// Pause freezes an active rollout. Auto-expansion stops until Resume.
func (s *RolloutService) Pause(ctx context.Context, id string, actor *models.JWTClaims) (*models.Rollout, error) {
	rollout, err := s.repo.Mutate(ctx, id, func(r *models.Rollout) error {
		if r.Status != models.RolloutStatusActive {
			return invalidState("pause", r.Status)
		}
		r.Status = models.RolloutStatusPaused
		return nil
	})
	if err != nil {
		return nil, s.mapRolloutError(err, "failed to pause rollout")
	}
	s.emitAudit(ctx, actor, models.AuditActionRolloutPause, rollout)
	s.notify(models.WebhookEventRolloutPaused, rollout)
	return rollout, nil
}

// Resume reactivates a paused rollout. It does not retroactively expand;
// the evaluator picks the rollout up again on its next cycle.
func (s *RolloutService) Resume(ctx context.Context, id string, actor *models.JWTClaims) (*models.Rollout, error) {
	rollout, err := s.repo.Mutate(ctx, id, func(r *models.Rollout) error {
		if r.Status != models.RolloutStatusPaused {
			return invalidState("resume", r.Status)
		}
		r.Status = models.RolloutStatusActive
		return nil
	})
	if err != nil {
		return nil, s.mapRolloutError(err, "failed to resume rollout")
	}
	s.emitAudit(ctx, actor, models.AuditActionRolloutResume, rollout)
	s.notify(models.WebhookEventRolloutResumed, rollout)
	return rollout, nil
}

// Cancel aborts an active or paused rollout. Device target assignments
// already issued are left as-is, never rolled back.
func (s *RolloutService) Cancel(ctx context.Context, id string, actor *models.JWTClaims) (*models.Rollout, error) {
	rollout, err := s.repo.Mutate(ctx, id, func(r *models.Rollout) error {
		if r.Status != models.RolloutStatusActive && r.Status != models.RolloutStatusPaused {
			return invalidState("cancel", r.Status)
		}
		r.Status = models.RolloutStatusCancelled
		return nil
	})
	if err != nil {
		return nil, s.mapRolloutError(err, "failed to cancel rollout")
	}
	s.emitAudit(ctx, actor, models.AuditActionRolloutCancel, rollout)
	s.notify(models.WebhookEventRolloutCancelled, rollout)
	return rollout, nil
}

// RecordOutcome applies a device's terminal update result to the rollout
// counters. Duplicate deliveries for the same (rollout, device) pair are
// absorbed: at most one outcome counts per device, and counting stops once
// the creation-time fleet snapshot is fully accounted for. When the counted
// failure pushes an active rollout over its threshold, the rollout pauses.
func (s *RolloutService) RecordOutcome(ctx context.Context, rolloutID, deviceID string, outcome models.OutcomeKind) (*models.Rollout, error) {
	if deviceID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "deviceId is required")
	}
	if !outcome.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown outcome %q", outcome))
	}

	rollout, counted, err := s.repo.RecordOutcome(ctx, rolloutID, deviceID, outcome)
	if err != nil {
		return nil, s.mapRolloutError(err, "failed to record outcome")
	}
	if rollout.Status.Terminal() {
		return nil, invalidState("record outcome", rollout.Status)
	}
	if !counted {
		s.logger.Debug("outcome not counted",
			zap.String("rollout_id", rolloutID), zap.String("device_id", deviceID))
		return rollout, nil
	}

	if rollout.Status == models.RolloutStatusActive && rollout.FailureRate() >= float64(rollout.FailureThreshold) {
		paused, pauseErr := s.pauseOnThreshold(ctx, rolloutID)
		if pauseErr != nil {
			s.logger.Error("failed to pause rollout over failure threshold",
				zap.String("rollout_id", rolloutID), zap.Error(pauseErr))
			return rollout, nil
		}
		return paused, nil
	}
	return rollout, nil
}

// EvaluateAutoExpand applies the periodic policy check for one rollout:
// pause when the failure rate meets the threshold, otherwise advance (or
// complete) when auto-expand is enabled and the dwell time has elapsed.
// Calling it redundantly is a no-op.
func (s *RolloutService) EvaluateAutoExpand(ctx context.Context, id string) (*models.Rollout, error) {
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, s.mapRolloutError(err, "failed to load rollout")
	}
	if current.Status != models.RolloutStatusActive {
		return current, nil
	}

	var fromStage int
	var paused, advanced, completed bool

	rollout, err := s.repo.Mutate(ctx, id, func(r *models.Rollout) error {
		if r.Status != models.RolloutStatusActive {
			return nil
		}
		if r.FailureRate() >= float64(r.FailureThreshold) {
			r.Status = models.RolloutStatusPaused
			paused = true
			return nil
		}
		if !r.AutoExpand {
			return nil
		}
		dwell := time.Duration(r.ExpandAfterMin) * time.Minute
		if s.now().Sub(r.LastExpanded) < dwell {
			return nil
		}
		fromStage = r.CurrentStage
		if r.LastStage() {
			r.Status = models.RolloutStatusCompleted
			completed = true
			return nil
		}
		r.CurrentStage++
		r.LastExpanded = s.now()
		advanced = true
		return nil
	})
	if err != nil {
		return nil, s.mapRolloutError(err, "failed to evaluate rollout")
	}

	switch {
	case paused:
		s.logger.Warn("rollout paused: failure threshold reached",
			zap.String("rollout_id", rollout.ID),
			zap.Float64("failure_rate", rollout.FailureRate()),
			zap.Int("threshold", rollout.FailureThreshold))
		s.notify(models.WebhookEventRolloutPaused, rollout)
	case completed:
		s.notify(models.WebhookEventRolloutCompleted, rollout)
	case advanced:
		s.expandTargets(ctx, rollout, fromStage)
		s.notify(models.WebhookEventRolloutAdvanced, rollout)
	}
	return rollout, nil
}

// Get returns a single rollout.
func (s *RolloutService) Get(ctx context.Context, id string) (*models.Rollout, error) {
	rollout, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, s.mapRolloutError(err, "failed to load rollout")
	}
	return rollout, nil
}

// List returns rollouts matching the filter.
func (s *RolloutService) List(ctx context.Context, filter dto.RolloutFilter) ([]models.Rollout, error) {
	rollouts, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rollouts")
	}
	return rollouts, nil
}

// pauseOnThreshold re-checks the threshold under the row lock before
// flipping to paused; a concurrent operator command may have won.
func (s *RolloutService) pauseOnThreshold(ctx context.Context, id string) (*models.Rollout, error) {
	rollout, err := s.repo.Mutate(ctx, id, func(r *models.Rollout) error {
		if r.Status != models.RolloutStatusActive {
			return nil
		}
		if r.FailureRate() >= float64(r.FailureThreshold) {
			r.Status = models.RolloutStatusPaused
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rollout.Status == models.RolloutStatusPaused {
		s.logger.Warn("rollout paused: failure threshold reached",
			zap.String("rollout_id", rollout.ID),
			zap.Float64("failure_rate", rollout.FailureRate()),
			zap.Int("threshold", rollout.FailureThreshold))
		s.notify(models.WebhookEventRolloutPaused, rollout)
	}
	return rollout, nil
}

// expandTargets grows the targeted device set to the rollout's current
// stage. Per-device targeting failures are logged, never escalated: a
// partially targeted stage is preferable to stalling the whole rollout on
// one unreachable device.
func (s *RolloutService) expandTargets(ctx context.Context, rollout *models.Rollout, fromStage int) {
	targeted, failed, err := s.targeting.ExpandToStage(ctx, rollout, fromStage)
	if err != nil {
		s.logger.Error("stage targeting failed",
			zap.String("rollout_id", rollout.ID), zap.Int("stage", rollout.CurrentStage), zap.Error(err))
		return
	}
	if failed > 0 {
		s.logger.Warn("stage targeting partially failed",
			zap.String("rollout_id", rollout.ID), zap.Int("stage", rollout.CurrentStage),
			zap.Int("targeted", targeted), zap.Int("failed", failed))
	}
}

func (s *RolloutService) mapRolloutError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "rollout not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func (s *RolloutService) notify(event models.WebhookEvent, rollout *models.Rollout) {
	if s.notifier == nil {
		return
	}
	s.notifier.RolloutEvent(event, rollout)
}

func (s *RolloutService) emitAudit(ctx context.Context, actor *models.JWTClaims, action string, rollout *models.Rollout) {
	if s.audit == nil {
		return
	}
	payload := map[string]interface{}{
		"version":      rollout.Version,
		"status":       rollout.Status,
		"currentStage": rollout.CurrentStage,
	}
	newValues, _ := json.Marshal(payload)
	var userID *string
	if actor != nil {
		userID = &actor.UserID
	}
	log := &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   rolloutResource,
		ResourceID: &rollout.ID,
		NewValues:  newValues,
		IPAddress:  "system",
		UserAgent:  "rollout-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to record rollout audit", zap.Error(err))
	}
}

func invalidState(op string, status models.RolloutStatus) error {
	return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("cannot %s rollout in %s state", op, status))
}
