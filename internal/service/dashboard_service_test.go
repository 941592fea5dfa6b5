package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
)

type stubDashboardDevices struct {
	statuses map[models.DeviceStatus]int
	versions map[string]int
	pending  int
	calls    int
}

func (s *stubDashboardDevices) CountByStatus(context.Context) (map[models.DeviceStatus]int, error) {
	s.calls++
	return s.statuses, nil
}

func (s *stubDashboardDevices) CountByVersion(context.Context) (map[string]int, error) {
	return s.versions, nil
}

func (s *stubDashboardDevices) CountPendingUpdates(context.Context) (int, error) {
	return s.pending, nil
}

type stubDashboardRollouts struct {
	rollouts []models.Rollout
}

func (s *stubDashboardRollouts) List(_ context.Context, filter dto.RolloutFilter) ([]models.Rollout, error) {
	out := []models.Rollout{}
	for _, r := range s.rollouts {
		if filter.Status == "" || string(r.Status) == filter.Status {
			out = append(out, r)
		}
	}
	return out, nil
}

type stubFirmwareCounter struct{ count int }

func (s *stubFirmwareCounter) Count(context.Context) (int, error) { return s.count, nil }

type memoryCache struct {
	store map[string][]byte
}

func (m *memoryCache) Get(_ context.Context, key string, dest interface{}) error {
	payload, ok := m.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(payload, dest)
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if m.store == nil {
		m.store = make(map[string][]byte)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.store[key] = payload
	return nil
}

func newDashboardFixture() (*stubDashboardDevices, *DashboardService) {
	devices := &stubDashboardDevices{
		statuses: map[models.DeviceStatus]int{models.DeviceStatusOnline: 7, models.DeviceStatusOffline: 3},
		versions: map[string]int{"1.0.0": 6, "2.0.0": 4},
		pending:  2,
	}
	rollouts := &stubDashboardRollouts{rollouts: []models.Rollout{
		{
			ID: "r-1", Version: "2.0.0", Status: models.RolloutStatusActive,
			StagePercentages: models.StagePercentages{5, 25, 50, 100},
			CurrentStage:     2, TotalDevices: 10, UpdatedDevices: 2, FailedDevices: 1,
		},
		{ID: "r-2", Version: "1.5.0", Status: models.RolloutStatusCompleted},
	}}
	svc := NewDashboardService(devices, rollouts, &stubFirmwareCounter{count: 4}, &memoryCache{}, time.Minute, zap.NewNop())
	return devices, svc
}

func TestDashboardServiceFleetSummary(t *testing.T) {
	_, svc := newDashboardFixture()

	summary, cacheHit, err := svc.FleetSummary(context.Background())
	require.NoError(t, err)
	assert.False(t, cacheHit)
	assert.Equal(t, 10, summary.TotalDevices)
	assert.Equal(t, 7, summary.OnlineDevices)
	assert.Equal(t, 3, summary.OfflineDevices)
	assert.Equal(t, 2, summary.PendingUpdates)
	assert.Equal(t, 4, summary.FirmwareCount)

	// Only active rollouts appear.
	require.Len(t, summary.ActiveRollouts, 1)
	progress := summary.ActiveRollouts[0]
	assert.Equal(t, "r-1", progress.ID)
	assert.Equal(t, 2, progress.CurrentStage)
	assert.Equal(t, 4, progress.TotalStages)
	assert.Equal(t, 25, progress.StagePercent)
	assert.InDelta(t, 10.0, progress.FailureRate, 0.001)
}

func TestDashboardServiceFleetSummaryCaches(t *testing.T) {
	devices, svc := newDashboardFixture()
	ctx := context.Background()

	_, cacheHit, err := svc.FleetSummary(ctx)
	require.NoError(t, err)
	assert.False(t, cacheHit)
	assert.Equal(t, 1, devices.calls)

	second, cacheHit, err := svc.FleetSummary(ctx)
	require.NoError(t, err)
	assert.True(t, cacheHit)
	assert.Equal(t, 1, devices.calls)
	assert.Equal(t, 10, second.TotalDevices)
}
