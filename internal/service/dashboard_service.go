package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
)

const fleetSummaryCacheKey = "dashboard:fleet-summary"

type dashboardDeviceReader interface {
	CountByStatus(ctx context.Context) (map[models.DeviceStatus]int, error)
	CountByVersion(ctx context.Context) (map[string]int, error)
	CountPendingUpdates(ctx context.Context) (int, error)
}

type dashboardRolloutReader interface {
	List(ctx context.Context, filter dto.RolloutFilter) ([]models.Rollout, error)
}

type firmwareCounter interface {
	Count(ctx context.Context) (int, error)
}

type summaryCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// DashboardService aggregates fleet, rollout and catalog counts for the
// dashboard landing page, with a short-lived Redis cache in front.
type DashboardService struct {
	devices  dashboardDeviceReader
	rollouts dashboardRolloutReader
	firmware firmwareCounter
	cache    summaryCache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewDashboardService builds a DashboardService.
func NewDashboardService(devices dashboardDeviceReader, rollouts dashboardRolloutReader, firmware firmwareCounter, cache summaryCache, cacheTTL time.Duration, logger *zap.Logger) *DashboardService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &DashboardService{
		devices:  devices,
		rollouts: rollouts,
		firmware: firmware,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FleetSummary returns the dashboard aggregate, serving from cache when
// fresh. The cacheHit flag feeds response metadata.
func (s *DashboardService) FleetSummary(ctx context.Context) (*dto.FleetSummary, bool, error) {
	if s.cache != nil {
		var cached dto.FleetSummary
		if err := s.cache.Get(ctx, fleetSummaryCacheKey, &cached); err == nil {
			return &cached, true, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("dashboard cache read failed", zap.Error(err))
		}
	}

	summary, err := s.buildSummary(ctx)
	if err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, fleetSummaryCacheKey, summary, s.cacheTTL); err != nil {
			s.logger.Warn("dashboard cache write failed", zap.Error(err))
		}
	}
	return summary, false, nil
}

func (s *DashboardService) buildSummary(ctx context.Context) (*dto.FleetSummary, error) {
	statusCounts, err := s.devices.CountByStatus(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count devices")
	}
	versionCounts, err := s.devices.CountByVersion(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count device versions")
	}
	pending, err := s.devices.CountPendingUpdates(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count pending updates")
	}
	firmwareCount, err := s.firmware.Count(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count firmware")
	}
	active, err := s.rollouts.List(ctx, dto.RolloutFilter{Status: string(models.RolloutStatusActive)})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active rollouts")
	}

	online := statusCounts[models.DeviceStatusOnline]
	offline := statusCounts[models.DeviceStatusOffline]
	summary := &dto.FleetSummary{
		TotalDevices:    online + offline,
		OnlineDevices:   online,
		OfflineDevices:  offline,
		VersionCounts:   versionCounts,
		ActiveRollouts:  make([]dto.RolloutProgress, 0, len(active)),
		FirmwareCount:   firmwareCount,
		PendingUpdates:  pending,
		GeneratedAtUnix: s.now().Unix(),
	}
	for i := range active {
		summary.ActiveRollouts = append(summary.ActiveRollouts, RolloutProgress(&active[i]))
	}
	return summary, nil
}

// RolloutProgress projects a rollout into its dashboard representation.
func RolloutProgress(r *models.Rollout) dto.RolloutProgress {
	stagePercent := 0
	if r.CurrentStage >= 1 && r.CurrentStage <= len(r.StagePercentages) {
		stagePercent = r.StagePercentages[r.CurrentStage-1]
	}
	return dto.RolloutProgress{
		ID:             r.ID,
		Version:        r.Version,
		Status:         string(r.Status),
		CurrentStage:   r.CurrentStage,
		TotalStages:    len(r.StagePercentages),
		StagePercent:   stagePercent,
		TotalDevices:   r.TotalDevices,
		UpdatedDevices: r.UpdatedDevices,
		FailedDevices:  r.FailedDevices,
		FailureRate:    r.FailureRate(),
	}
}
