package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/models"
)

type stubActiveLister struct {
	ids []string
	err error
}

func (s *stubActiveLister) ListActiveIDs(context.Context) ([]string, error) {
	return s.ids, s.err
}

type stubExpander struct {
	mu        sync.Mutex
	evaluated []string
	errOn     map[string]error
}

func (s *stubExpander) EvaluateAutoExpand(_ context.Context, id string) (*models.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = append(s.evaluated, id)
	if err, ok := s.errOn[id]; ok {
		return nil, err
	}
	return &models.Rollout{ID: id}, nil
}

type stubSweeper struct {
	flipped int64
	calls   int
	err     error
}

func (s *stubSweeper) MarkStaleOffline(context.Context) (int64, error) {
	s.calls++
	return s.flipped, s.err
}

func TestRolloutEvaluatorRunOnceEvaluatesEveryActiveRollout(t *testing.T) {
	lister := &stubActiveLister{ids: []string{"r-1", "r-2", "r-3"}}
	expander := &stubExpander{}
	sweeper := &stubSweeper{flipped: 2}
	eval := NewRolloutEvaluator(lister, expander, sweeper, 0, zap.NewNop())

	eval.RunOnce(context.Background())

	assert.Equal(t, []string{"r-1", "r-2", "r-3"}, expander.evaluated)
	assert.Equal(t, 1, sweeper.calls)
}

func TestRolloutEvaluatorContinuesPastFailures(t *testing.T) {
	lister := &stubActiveLister{ids: []string{"r-1", "r-2"}}
	expander := &stubExpander{errOn: map[string]error{"r-1": errors.New("boom")}}
	sweeper := &stubSweeper{}
	eval := NewRolloutEvaluator(lister, expander, sweeper, 0, zap.NewNop())

	eval.RunOnce(context.Background())

	// r-1 failing must not stop r-2 from being evaluated.
	assert.Equal(t, []string{"r-1", "r-2"}, expander.evaluated)
	assert.Equal(t, 1, sweeper.calls)
}

func TestRolloutEvaluatorListFailureStillSweeps(t *testing.T) {
	lister := &stubActiveLister{err: errors.New("db down")}
	expander := &stubExpander{}
	sweeper := &stubSweeper{}
	eval := NewRolloutEvaluator(lister, expander, sweeper, 0, zap.NewNop())

	eval.RunOnce(context.Background())

	assert.Empty(t, expander.evaluated)
	assert.Equal(t, 1, sweeper.calls)
}

func TestRolloutEvaluatorStartStop(t *testing.T) {
	lister := &stubActiveLister{}
	eval := NewRolloutEvaluator(lister, &stubExpander{}, nil, 0, zap.NewNop())

	eval.Start(context.Background())
	eval.Start(context.Background()) // second start is a no-op
	eval.Stop()
	eval.Stop() // second stop is a no-op
}

type stubStatusCounter struct {
	calls int
}

func (s *stubStatusCounter) CountByStatus(context.Context) (map[models.DeviceStatus]int, error) {
	s.calls++
	return map[models.DeviceStatus]int{models.DeviceStatusOnline: 4, models.DeviceStatusOffline: 1}, nil
}

func TestRolloutEvaluatorRefreshesMetrics(t *testing.T) {
	lister := &stubActiveLister{ids: []string{"r-1"}}
	statuses := &stubStatusCounter{}
	eval := NewRolloutEvaluator(lister, &stubExpander{}, nil, 0, zap.NewNop()).
		WithMetrics(NewMetricsService(), statuses)

	eval.RunOnce(context.Background())
	assert.Equal(t, 1, statuses.calls)

	// A nil metrics sink must not panic.
	eval = NewRolloutEvaluator(lister, &stubExpander{}, nil, 0, zap.NewNop()).
		WithMetrics(nil, statuses)
	eval.RunOnce(context.Background())
}
