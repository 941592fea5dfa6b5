package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/models"
)

type targetingRegistry interface {
	ListIDsOrdered(ctx context.Context, offset, limit int) ([]string, error)
	SetTargetVersion(ctx context.Context, deviceID, version string) error
}

// TargetingSelector brings a rollout's targeted device set up to the
// cumulative count of the current stage. Devices are picked in registration
// order, so stage k's population is always a superset of stage k-1's and
// two runs over the same snapshot pick the identical subset.
type TargetingSelector struct {
	devices targetingRegistry
	logger  *zap.Logger
}

// NewTargetingSelector constructs a selector.
func NewTargetingSelector(devices targetingRegistry, logger *zap.Logger) *TargetingSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TargetingSelector{devices: devices, logger: logger}
}

// ExpandToStage targets the delta between the cumulative device count of
// fromStage and that of the rollout's current stage. Target-version writes
// are best effort: a per-device failure is logged and counted, the
// remaining devices are still attempted. Setting the same target twice is
// harmless, so retries on a later stage expansion self-heal.
func (t *TargetingSelector) ExpandToStage(ctx context.Context, rollout *models.Rollout, fromStage int) (targeted, failed int, err error) {
	prevCount := rollout.StageDeviceCount(fromStage)
	newCount := rollout.StageDeviceCount(rollout.CurrentStage)
	if newCount <= prevCount {
		return 0, 0, nil
	}

	ids, err := t.devices.ListIDsOrdered(ctx, prevCount, newCount-prevCount)
	if err != nil {
		return 0, 0, fmt.Errorf("list devices for stage %d: %w", rollout.CurrentStage, err)
	}

	for _, id := range ids {
		if err := t.devices.SetTargetVersion(ctx, id, rollout.Version); err != nil {
			failed++
			t.logger.Warn("failed to set device target version",
				zap.String("rollout_id", rollout.ID),
				zap.String("device_id", id),
				zap.String("version", rollout.Version),
				zap.Error(err))
			continue
		}
		targeted++
	}
	return targeted, failed, nil
}
