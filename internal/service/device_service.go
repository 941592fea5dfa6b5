package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
)

const deviceResource = "device"

type deviceStore interface {
	Create(ctx context.Context, device *models.Device) error
	FindByID(ctx context.Context, id string) (*models.Device, error)
	FindByMAC(ctx context.Context, mac string) (*models.Device, error)
	List(ctx context.Context, filter models.DeviceFilter) ([]models.Device, int, error)
	Checkin(ctx context.Context, deviceID, currentVersion string, seenAt time.Time) error
	MarkOfflineSince(ctx context.Context, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
}

type outcomeRecorder interface {
	RecordOutcome(ctx context.Context, rolloutID, deviceID string, outcome models.OutcomeKind) (*models.Rollout, error)
}

// DeviceService manages the device registry and is the ingestion hook for
// update outcomes arriving with device check-ins.
type DeviceService struct {
	repo         deviceStore
	rollouts     outcomeRecorder
	audit        auditLogger
	offlineAfter time.Duration
	validator    *validator.Validate
	logger       *zap.Logger
	now          func() time.Time
}

// NewDeviceService builds a DeviceService with sane defaults.
func NewDeviceService(repo deviceStore, rollouts outcomeRecorder, audit auditLogger, offlineAfter time.Duration, validate *validator.Validate, logger *zap.Logger) *DeviceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if offlineAfter <= 0 {
		offlineAfter = 10 * time.Minute
	}
	return &DeviceService{
		repo:         repo,
		rollouts:     rollouts,
		audit:        audit,
		offlineAfter: offlineAfter,
		validator:    validate,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a registry entry for a new device.
func (s *DeviceService) Register(ctx context.Context, req dto.RegisterDeviceRequest, actor *models.JWTClaims) (*models.Device, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid device payload")
	}

	mac := strings.ToLower(req.MACAddress)
	if existing, err := s.repo.FindByMAC(ctx, mac); err == nil && existing != nil {
		return nil, appErrors.Clone(appErrors.ErrDuplicateMAC, "")
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check device registry")
	}

	now := s.now()
	device := &models.Device{
		ID:             uuid.NewString(),
		Name:           req.Name,
		MACAddress:     mac,
		CurrentVersion: req.CurrentVersion,
		Status:         models.DeviceStatusOffline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, device); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register device")
	}

	s.emitAudit(ctx, actor, models.AuditActionDeviceCreate, device)
	return device, nil
}

// Get fetches a single device.
func (s *DeviceService) Get(ctx context.Context, id string) (*models.Device, error) {
	device, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "device not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load device")
	}
	return device, nil
}

// List returns devices matching the filter.
func (s *DeviceService) List(ctx context.Context, filter models.DeviceFilter) ([]models.Device, *models.Pagination, error) {
	devices, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list devices")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	return devices, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Checkin records a device heartbeat. A check-in carrying an update outcome
// forwards it to the rollout controller; outcome ingestion failures do not
// fail the heartbeat itself.
func (s *DeviceService) Checkin(ctx context.Context, deviceID string, req dto.CheckinRequest) (*models.Device, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid checkin payload")
	}

	if err := s.repo.Checkin(ctx, deviceID, req.CurrentVersion, s.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "device not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record checkin")
	}

	if req.RolloutID != nil && req.UpdateOutcome != nil && s.rollouts != nil {
		if _, err := s.rollouts.RecordOutcome(ctx, *req.RolloutID, deviceID, models.OutcomeKind(*req.UpdateOutcome)); err != nil {
			s.logger.Warn("failed to ingest update outcome from checkin",
				zap.String("device_id", deviceID),
				zap.String("rollout_id", *req.RolloutID),
				zap.Error(err))
		}
	}

	return s.Get(ctx, deviceID)
}

// Delete removes a device from the registry.
func (s *DeviceService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	device, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "device not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete device")
	}
	s.emitAudit(ctx, actor, models.AuditActionDeviceDelete, device)
	return nil
}

// MarkStaleOffline flips devices that missed their check-in window to
// offline. Invoked by the evaluator loop.
func (s *DeviceService) MarkStaleOffline(ctx context.Context) (int64, error) {
	return s.repo.MarkOfflineSince(ctx, s.now().Add(-s.offlineAfter))
}

func (s *DeviceService) emitAudit(ctx context.Context, actor *models.JWTClaims, action string, device *models.Device) {
	if s.audit == nil {
		return
	}
	payload := map[string]interface{}{
		"name":       device.Name,
		"macAddress": device.MACAddress,
	}
	newValues, _ := json.Marshal(payload)
	var userID *string
	if actor != nil {
		userID = &actor.UserID
	}
	log := &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   deviceResource,
		ResourceID: &device.ID,
		NewValues:  newValues,
		IPAddress:  "system",
		UserAgent:  "device-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to record device audit", zap.Error(err))
	}
}
