package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/models"
)

type activeRolloutLister interface {
	ListActiveIDs(ctx context.Context) ([]string, error)
}

type autoExpander interface {
	EvaluateAutoExpand(ctx context.Context, id string) (*models.Rollout, error)
}

type staleDeviceSweeper interface {
	MarkStaleOffline(ctx context.Context) (int64, error)
}

type deviceStatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.DeviceStatus]int, error)
}

// RolloutEvaluator is the thin scheduler around the controller: on a fixed
// period it runs the auto-expand evaluation for every active rollout and
// sweeps silent devices to offline. It carries no policy of its own; the
// evaluation is idempotent, so a missed or doubled tick is harmless.
type RolloutEvaluator struct {
	rollouts activeRolloutLister
	expander autoExpander
	sweeper  staleDeviceSweeper
	interval time.Duration
	logger   *zap.Logger

	metrics  *MetricsService
	statuses deviceStatusCounter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRolloutEvaluator constructs the evaluator.
func NewRolloutEvaluator(rollouts activeRolloutLister, expander autoExpander, sweeper staleDeviceSweeper, interval time.Duration, logger *zap.Logger) *RolloutEvaluator {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RolloutEvaluator{
		rollouts: rollouts,
		expander: expander,
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
	}
}

// WithMetrics attaches a metrics sink; each cycle refreshes the rollout and
// fleet gauges from it.
func (e *RolloutEvaluator) WithMetrics(metrics *MetricsService, statuses deviceStatusCounter) *RolloutEvaluator {
	e.metrics = metrics
	e.statuses = statuses
	return e
}

// Start launches the polling loop. Safe to call once.
func (e *RolloutEvaluator) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop()
	e.started = true
	e.logger.Sugar().Infow("rollout evaluator started", "interval", e.interval)
}

// Stop cancels the loop and waits for it to exit.
func (e *RolloutEvaluator) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Sugar().Infow("rollout evaluator stopped")
}

func (e *RolloutEvaluator) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(e.ctx)
		}
	}
}

// RunOnce executes a single evaluation cycle. Exposed for tests and for
// manual triggering.
func (e *RolloutEvaluator) RunOnce(ctx context.Context) {
	ids, err := e.rollouts.ListActiveIDs(ctx)
	if err != nil {
		e.logger.Error("failed to list active rollouts", zap.Error(err))
	} else {
		e.metrics.SetActiveRollouts(len(ids))
		for _, id := range ids {
			rollout, err := e.expander.EvaluateAutoExpand(ctx, id)
			if err != nil {
				e.logger.Error("rollout evaluation failed", zap.String("rollout_id", id), zap.Error(err))
				continue
			}
			e.metrics.ObserveRollout(rollout)
		}
	}

	if e.sweeper != nil {
		if flipped, err := e.sweeper.MarkStaleOffline(ctx); err != nil {
			e.logger.Error("stale device sweep failed", zap.Error(err))
		} else if flipped > 0 {
			e.logger.Info("marked stale devices offline", zap.Int64("count", flipped))
		}
	}

	if e.statuses != nil {
		counts, err := e.statuses.CountByStatus(ctx)
		if err != nil {
			e.logger.Error("device status count failed", zap.Error(err))
			return
		}
		byStatus := make(map[string]int, len(counts))
		for status, count := range counts {
			byStatus[string(status)] = count
		}
		e.metrics.SetDeviceStatusCounts(byStatus)
	}
}
