package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
)

const firmwareResource = "firmware"

type firmwareStore interface {
	Create(ctx context.Context, fw *models.Firmware) error
	FindByID(ctx context.Context, id string) (*models.Firmware, error)
	FindByVersion(ctx context.Context, version string) (*models.Firmware, error)
	List(ctx context.Context) ([]models.Firmware, error)
}

type binaryStorage interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Path(filename string) string
}

type downloadSigner interface {
	Generate(firmwareID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (firmwareID, relPath string, expiresAt time.Time, err error)
}

// FirmwareService manages the firmware catalog and its binary images.
type FirmwareService struct {
	repo      firmwareStore
	storage   binaryStorage
	signer    downloadSigner
	audit     auditLogger
	maxSize   int64
	validator *validator.Validate
	logger    *zap.Logger
}

// NewFirmwareService builds a FirmwareService.
func NewFirmwareService(repo firmwareStore, storage binaryStorage, signer downloadSigner, audit auditLogger, maxSize int64, validate *validator.Validate, logger *zap.Logger) *FirmwareService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSize <= 0 {
		maxSize = 64 * 1024 * 1024
	}
	return &FirmwareService{
		repo:      repo,
		storage:   storage,
		signer:    signer,
		audit:     audit,
		maxSize:   maxSize,
		validator: validate,
		logger:    logger,
	}
}

// Upload stores a firmware image and records it in the catalog. The image
// is checksummed while streaming to disk.
func (s *FirmwareService) Upload(ctx context.Context, req dto.UploadFirmwareRequest, filename string, size int64, r io.Reader, actor *models.JWTClaims) (*models.Firmware, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid firmware payload")
	}
	if size > s.maxSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("firmware image exceeds %d bytes", s.maxSize))
	}

	if _, err := s.repo.FindByVersion(ctx, req.Version); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("firmware version %q already exists", req.Version))
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check firmware catalog")
	}

	storedName := path.Join("images", fmt.Sprintf("%s-%s", req.Version, path.Base(filename)))
	hasher := sha256.New()
	if _, err := s.storage.SaveStream(storedName, io.TeeReader(io.LimitReader(r, s.maxSize), hasher)); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store firmware image")
	}

	fw := &models.Firmware{
		ID:           uuid.NewString(),
		Version:      req.Version,
		Filename:     storedName,
		SizeBytes:    size,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
		ReleaseNotes: req.ReleaseNotes,
		CreatedAt:    time.Now().UTC(),
	}
	if actor != nil {
		fw.UploadedBy = &actor.UserID
	}
	if err := s.repo.Create(ctx, fw); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record firmware")
	}

	s.emitAudit(ctx, actor, fw)
	return fw, nil
}

// List returns catalog entries.
func (s *FirmwareService) List(ctx context.Context) ([]models.Firmware, error) {
	firmware, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list firmware")
	}
	return firmware, nil
}

// SignedDownload produces a time-limited download reference for an image.
func (s *FirmwareService) SignedDownload(ctx context.Context, id string) (*dto.FirmwareDownload, error) {
	fw, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "firmware not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load firmware")
	}

	token, expiresAt, err := s.signer.Generate(fw.ID, fw.Filename)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download")
	}
	return &dto.FirmwareDownload{
		URL:       fmt.Sprintf("/firmware/download/%s", token),
		ExpiresAt: expiresAt.Unix(),
	}, nil
}

// ResolveDownload validates a signed token and returns the on-disk path.
func (s *FirmwareService) ResolveDownload(token string) (string, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	return s.storage.Path(relPath), nil
}

func (s *FirmwareService) emitAudit(ctx context.Context, actor *models.JWTClaims, fw *models.Firmware) {
	if s.audit == nil {
		return
	}
	payload := map[string]interface{}{
		"version":  fw.Version,
		"checksum": fw.Checksum,
		"size":     fw.SizeBytes,
	}
	newValues, _ := json.Marshal(payload)
	var userID *string
	if actor != nil {
		userID = &actor.UserID
	}
	log := &models.AuditLog{
		UserID:     userID,
		Action:     models.AuditActionFirmwareUpload,
		Resource:   firmwareResource,
		ResourceID: &fw.ID,
		NewValues:  newValues,
		IPAddress:  "system",
		UserAgent:  "firmware-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to record firmware audit", zap.Error(err))
	}
}
