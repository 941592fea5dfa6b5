package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	"github.com/ottofleet/fleet-api/pkg/config"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
)

type fakeRolloutStore struct {
	mu       sync.Mutex
	rollouts map[string]*models.Rollout
	outcomes map[string]models.OutcomeKind
}

func newFakeRolloutStore() *fakeRolloutStore {
	return &fakeRolloutStore{
		rollouts: make(map[string]*models.Rollout),
		outcomes: make(map[string]models.OutcomeKind),
	}
}

func cloneRollout(r *models.Rollout) *models.Rollout {
	cp := *r
	cp.StagePercentages = append(models.StagePercentages(nil), r.StagePercentages...)
	return &cp
}

func (f *fakeRolloutStore) Create(_ context.Context, rollout *models.Rollout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollouts[rollout.ID] = cloneRollout(rollout)
	return nil
}

func (f *fakeRolloutStore) FindByID(_ context.Context, id string) (*models.Rollout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rollouts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneRollout(r), nil
}

func (f *fakeRolloutStore) List(_ context.Context, filter dto.RolloutFilter) ([]models.Rollout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Rollout{}
	for _, r := range f.rollouts {
		if filter.Status != "" && string(r.Status) != filter.Status {
			continue
		}
		out = append(out, *cloneRollout(r))
	}
	return out, nil
}

func (f *fakeRolloutStore) Mutate(_ context.Context, id string, fn func(*models.Rollout) error) (*models.Rollout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rollouts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	work := cloneRollout(r)
	if err := fn(work); err != nil {
		return nil, err
	}
	f.rollouts[id] = work
	return cloneRollout(work), nil
}

func (f *fakeRolloutStore) RecordOutcome(_ context.Context, rolloutID, deviceID string, outcome models.OutcomeKind) (*models.Rollout, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rollouts[rolloutID]
	if !ok {
		return nil, false, sql.ErrNoRows
	}
	if r.Status.Terminal() || r.UpdatedDevices+r.FailedDevices >= r.TotalDevices {
		return cloneRollout(r), false, nil
	}
	key := rolloutID + "|" + deviceID
	if _, seen := f.outcomes[key]; seen {
		return cloneRollout(r), false, nil
	}
	f.outcomes[key] = outcome
	if outcome == models.OutcomeFailure {
		r.FailedDevices++
	} else {
		r.UpdatedDevices++
	}
	return cloneRollout(r), true, nil
}

type stubFleetCounter struct {
	count int
	err   error
}

func (s *stubFleetCounter) Count(context.Context) (int, error) {
	return s.count, s.err
}

type stubFirmwareFinder struct {
	versions map[string]*models.Firmware
}

func (s *stubFirmwareFinder) FindByVersion(_ context.Context, version string) (*models.Firmware, error) {
	if fw, ok := s.versions[version]; ok {
		return fw, nil
	}
	return nil, sql.ErrNoRows
}

type expansion struct {
	fromStage int
	toStage   int
}

type stubTargeter struct {
	mu         sync.Mutex
	expansions []expansion
	err        error
}

func (s *stubTargeter) ExpandToStage(_ context.Context, rollout *models.Rollout, fromStage int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	s.expansions = append(s.expansions, expansion{fromStage: fromStage, toStage: rollout.CurrentStage})
	return rollout.StageDeviceCount(rollout.CurrentStage) - rollout.StageDeviceCount(fromStage), 0, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, log.Action)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.WebhookEvent
}

func (r *recordingNotifier) RolloutEvent(event models.WebhookEvent, _ *models.Rollout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) last() models.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1]
}

type rolloutFixture struct {
	store    *fakeRolloutStore
	fleet    *stubFleetCounter
	firmware *stubFirmwareFinder
	targeter *stubTargeter
	audit    *recordingAudit
	notifier *recordingNotifier
	svc      *RolloutService
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRolloutFixture(t *testing.T, fleetSize int) *rolloutFixture {
	t.Helper()
	f := &rolloutFixture{
		store: newFakeRolloutStore(),
		fleet: &stubFleetCounter{count: fleetSize},
		firmware: &stubFirmwareFinder{versions: map[string]*models.Firmware{
			"2.0.0": {ID: "fw-1", Version: "2.0.0"},
		}},
		targeter: &stubTargeter{},
		audit:    &recordingAudit{},
		notifier: &recordingNotifier{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.svc = NewRolloutService(
		f.store, f.fleet, f.firmware, f.targeter, f.audit, f.notifier,
		config.RolloutsConfig{
			DefaultStages:           []int{5, 25, 50, 100},
			DefaultFailureThreshold: 10,
			DefaultExpandAfter:      30 * time.Minute,
		},
		nil, zap.NewNop(),
	).WithClock(f.clock.Now)
	return f
}

func (f *rolloutFixture) create(t *testing.T, req dto.CreateRolloutRequest) *models.Rollout {
	t.Helper()
	rollout, err := f.svc.Create(context.Background(), req, &models.JWTClaims{UserID: "user-1"})
	require.NoError(t, err)
	return rollout
}

func assertInvalidState(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrInvalidState.Code, appErr.Code)
}

func TestRolloutServiceCreateAppliesDefaults(t *testing.T) {
	f := newRolloutFixture(t, 200)

	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0"})

	assert.Equal(t, models.RolloutStatusActive, rollout.Status)
	assert.Equal(t, 1, rollout.CurrentStage)
	assert.Equal(t, models.StagePercentages{5, 25, 50, 100}, rollout.StagePercentages)
	assert.Equal(t, 200, rollout.TotalDevices)
	assert.Equal(t, 10, rollout.FailureThreshold)
	assert.Equal(t, 30, rollout.ExpandAfterMin)
	require.NotNil(t, rollout.CreatedBy)
	assert.Equal(t, "user-1", *rollout.CreatedBy)

	require.Len(t, f.targeter.expansions, 1)
	assert.Equal(t, expansion{fromStage: 0, toStage: 1}, f.targeter.expansions[0])
	assert.Equal(t, []models.WebhookEvent{models.WebhookEventRolloutCreated}, f.notifier.events)
}

func TestRolloutServiceCreateInvalidStagesFallBack(t *testing.T) {
	f := newRolloutFixture(t, 100)

	// Decreasing sequence is rejected and replaced by the defaults.
	rollout := f.create(t, dto.CreateRolloutRequest{
		Version:          "2.0.0",
		StagePercentages: []int{50, 20, 100},
	})
	assert.Equal(t, models.StagePercentages{5, 25, 50, 100}, rollout.StagePercentages)

	// A sequence not ending at 100 is rejected too.
	rollout = f.create(t, dto.CreateRolloutRequest{
		Version:          "2.0.0",
		StagePercentages: []int{10, 50},
	})
	assert.Equal(t, models.StagePercentages{5, 25, 50, 100}, rollout.StagePercentages)
}

func TestRolloutServiceCreateCustomStages(t *testing.T) {
	f := newRolloutFixture(t, 100)

	rollout := f.create(t, dto.CreateRolloutRequest{
		Version:          "2.0.0",
		StagePercentages: []int{10, 100},
	})
	assert.Equal(t, models.StagePercentages{10, 100}, rollout.StagePercentages)
	assert.Equal(t, 10, rollout.StageDeviceCount(1))
	assert.Equal(t, 100, rollout.StageDeviceCount(2))
}

func TestRolloutServiceCreateUnknownFirmware(t *testing.T) {
	f := newRolloutFixture(t, 100)

	_, err := f.svc.Create(context.Background(), dto.CreateRolloutRequest{Version: "9.9.9"}, nil)
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestRolloutServiceAdvanceProgressesAndCompletes(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{
		Version:          "2.0.0",
		StagePercentages: []int{50, 100},
	})

	advanced, err := f.svc.Advance(context.Background(), rollout.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, advanced.CurrentStage)
	assert.Equal(t, models.RolloutStatusActive, advanced.Status)
	assert.Equal(t, models.WebhookEventRolloutAdvanced, f.notifier.last())

	// Advancing past the last stage completes the rollout without skipping.
	completed, err := f.svc.Advance(context.Background(), rollout.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusCompleted, completed.Status)
	assert.Equal(t, 2, completed.CurrentStage)
	assert.Equal(t, models.WebhookEventRolloutCompleted, f.notifier.last())

	_, err = f.svc.Advance(context.Background(), rollout.ID, nil)
	assertInvalidState(t, err)

	// Creation plus one real advance; completion does not expand targets.
	require.Len(t, f.targeter.expansions, 2)
	assert.Equal(t, expansion{fromStage: 1, toStage: 2}, f.targeter.expansions[1])
}

func TestRolloutServicePauseResumeCancel(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0"})
	ctx := context.Background()

	_, err := f.svc.Resume(ctx, rollout.ID, nil)
	assertInvalidState(t, err)

	paused, err := f.svc.Pause(ctx, rollout.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusPaused, paused.Status)

	_, err = f.svc.Pause(ctx, rollout.ID, nil)
	assertInvalidState(t, err)

	resumed, err := f.svc.Resume(ctx, rollout.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusActive, resumed.Status)

	cancelled, err := f.svc.Cancel(ctx, rollout.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, rollout.ID, nil)
	assertInvalidState(t, err)
	_, err = f.svc.Resume(ctx, rollout.ID, nil)
	assertInvalidState(t, err)
}

func TestRolloutServiceNotFound(t *testing.T) {
	f := newRolloutFixture(t, 100)

	_, err := f.svc.Advance(context.Background(), "missing", nil)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestRolloutServiceRecordOutcomeCountsOncePerDevice(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0"})
	ctx := context.Background()

	updated, err := f.svc.RecordOutcome(ctx, rollout.ID, "dev-1", models.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UpdatedDevices)
	assert.Equal(t, 0, updated.FailedDevices)

	// The same device reporting again changes nothing, regardless of kind.
	updated, err = f.svc.RecordOutcome(ctx, rollout.ID, "dev-1", models.OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UpdatedDevices)
	assert.Equal(t, 0, updated.FailedDevices)

	updated, err = f.svc.RecordOutcome(ctx, rollout.ID, "dev-2", models.OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UpdatedDevices)
	assert.Equal(t, 1, updated.FailedDevices)
}

func TestRolloutServiceRecordOutcomeCapsAtFleetSnapshot(t *testing.T) {
	f := newRolloutFixture(t, 2)
	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0"})
	ctx := context.Background()

	// Devices registered after the snapshot still report, but only the
	// snapshot's worth of outcomes may count.
	var last *models.Rollout
	for _, deviceID := range []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5"} {
		updated, err := f.svc.RecordOutcome(ctx, rollout.ID, deviceID, models.OutcomeSuccess)
		require.NoError(t, err)
		last = updated
	}

	assert.Equal(t, 2, last.UpdatedDevices)
	assert.Equal(t, 0, last.FailedDevices)
	assert.LessOrEqual(t, last.UpdatedDevices+last.FailedDevices, last.TotalDevices)
}

func TestRolloutServiceRecordOutcomeValidation(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0"})
	ctx := context.Background()

	_, err := f.svc.RecordOutcome(ctx, rollout.ID, "", models.OutcomeSuccess)
	require.Error(t, err)

	_, err = f.svc.RecordOutcome(ctx, rollout.ID, "dev-1", "exploded")
	require.Error(t, err)
}

func TestRolloutServiceFailureThresholdPausesRollout(t *testing.T) {
	f := newRolloutFixture(t, 10)
	rollout := f.create(t, dto.CreateRolloutRequest{
		Version:          "2.0.0",
		FailureThreshold: intPtr(20),
	})
	ctx := context.Background()

	// One failure out of ten is 10%, below the 20% threshold.
	updated, err := f.svc.RecordOutcome(ctx, rollout.ID, "dev-1", models.OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusActive, updated.Status)

	// The second failure reaches 20% and pauses the rollout.
	updated, err = f.svc.RecordOutcome(ctx, rollout.ID, "dev-2", models.OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusPaused, updated.Status)
	assert.Equal(t, models.WebhookEventRolloutPaused, f.notifier.last())

	// A paused rollout still accepts and counts outcomes.
	updated, err = f.svc.RecordOutcome(ctx, rollout.ID, "dev-3", models.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusPaused, updated.Status)
	assert.Equal(t, 1, updated.UpdatedDevices)
}

func TestRolloutServiceRecordOutcomeTerminalRejected(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0"})
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, rollout.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.RecordOutcome(ctx, rollout.ID, "dev-1", models.OutcomeSuccess)
	assertInvalidState(t, err)

	// The rejected outcome must not have touched the counters.
	current, err := f.svc.Get(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.UpdatedDevices)
	assert.Equal(t, 0, current.FailedDevices)
}

func TestRolloutServiceEvaluateAutoExpandRespectsDwell(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{
		Version:        "2.0.0",
		AutoExpand:     true,
		ExpandAfterMin: intPtr(30),
	})
	ctx := context.Background()

	// Dwell time not elapsed: nothing happens.
	evaluated, err := f.svc.EvaluateAutoExpand(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, evaluated.CurrentStage)

	f.clock.Advance(31 * time.Minute)
	evaluated, err = f.svc.EvaluateAutoExpand(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, evaluated.CurrentStage)
	assert.Equal(t, models.WebhookEventRolloutAdvanced, f.notifier.last())

	// The advance reset the dwell clock.
	evaluated, err = f.svc.EvaluateAutoExpand(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, evaluated.CurrentStage)
}

func TestRolloutServiceEvaluateAutoExpandDisabled(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0", AutoExpand: false})

	f.clock.Advance(2 * time.Hour)
	evaluated, err := f.svc.EvaluateAutoExpand(context.Background(), rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, evaluated.CurrentStage)
	assert.Equal(t, models.RolloutStatusActive, evaluated.Status)
}

func TestRolloutServiceEvaluateAutoExpandCompletesLastStage(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{
		Version:          "2.0.0",
		StagePercentages: []int{50, 100},
		AutoExpand:       true,
		ExpandAfterMin:   intPtr(10),
	})
	ctx := context.Background()

	f.clock.Advance(11 * time.Minute)
	evaluated, err := f.svc.EvaluateAutoExpand(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, evaluated.CurrentStage)

	f.clock.Advance(11 * time.Minute)
	evaluated, err = f.svc.EvaluateAutoExpand(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusCompleted, evaluated.Status)
	assert.Equal(t, models.WebhookEventRolloutCompleted, f.notifier.last())
}

func TestRolloutServiceEvaluateAutoExpandPausesOverThreshold(t *testing.T) {
	f := newRolloutFixture(t, 10)
	rollout := f.create(t, dto.CreateRolloutRequest{
		Version:          "2.0.0",
		AutoExpand:       true,
		ExpandAfterMin:   intPtr(10),
		FailureThreshold: intPtr(10),
	})
	ctx := context.Background()

	// Seed a failure directly so the evaluator, not RecordOutcome, trips
	// the threshold.
	_, err := f.store.Mutate(ctx, rollout.ID, func(r *models.Rollout) error {
		r.FailedDevices = 1
		return nil
	})
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	evaluated, err := f.svc.EvaluateAutoExpand(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusPaused, evaluated.Status)
	assert.Equal(t, 1, evaluated.CurrentStage)
	assert.Equal(t, models.WebhookEventRolloutPaused, f.notifier.last())
}

func TestRolloutServiceEvaluateSkipsInactive(t *testing.T) {
	f := newRolloutFixture(t, 100)
	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0", AutoExpand: true})
	ctx := context.Background()

	_, err := f.svc.Pause(ctx, rollout.ID, nil)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	evaluated, err := f.svc.EvaluateAutoExpand(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusPaused, evaluated.Status)
	assert.Equal(t, 1, evaluated.CurrentStage)
}

func TestRolloutServiceEmptyFleetNeverTripsThreshold(t *testing.T) {
	f := newRolloutFixture(t, 0)
	rollout := f.create(t, dto.CreateRolloutRequest{Version: "2.0.0", AutoExpand: true, ExpandAfterMin: intPtr(1)})
	ctx := context.Background()

	assert.Equal(t, 0, rollout.TotalDevices)
	assert.Zero(t, rollout.FailureRate())

	f.clock.Advance(2 * time.Minute)
	evaluated, err := f.svc.EvaluateAutoExpand(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutStatusActive, evaluated.Status)
	assert.Equal(t, 2, evaluated.CurrentStage)
}

func intPtr(v int) *int { return &v }
