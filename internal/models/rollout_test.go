package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagePercentagesValidate(t *testing.T) {
	tests := []struct {
		name    string
		stages  StagePercentages
		wantErr bool
	}{
		{name: "default sequence", stages: StagePercentages{5, 25, 50, 100}},
		{name: "single full stage", stages: StagePercentages{100}},
		{name: "repeated percentage", stages: StagePercentages{50, 50, 100}},
		{name: "empty", stages: StagePercentages{}, wantErr: true},
		{name: "zero percentage", stages: StagePercentages{0, 100}, wantErr: true},
		{name: "over hundred", stages: StagePercentages{5, 120}, wantErr: true},
		{name: "decreasing", stages: StagePercentages{50, 20, 100}, wantErr: true},
		{name: "does not end at hundred", stages: StagePercentages{10, 50}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.stages.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStagePercentagesScan(t *testing.T) {
	t.Run("valid json", func(t *testing.T) {
		var p StagePercentages
		require.NoError(t, p.Scan([]byte("[10,50,100]")))
		assert.Equal(t, StagePercentages{10, 50, 100}, p)
	})

	t.Run("string payload", func(t *testing.T) {
		var p StagePercentages
		require.NoError(t, p.Scan("[25,100]"))
		assert.Equal(t, StagePercentages{25, 100}, p)
	})

	t.Run("nil falls back to default", func(t *testing.T) {
		var p StagePercentages
		require.NoError(t, p.Scan(nil))
		assert.Equal(t, DefaultStagePercentages, p)
	})

	t.Run("malformed json falls back to default", func(t *testing.T) {
		var p StagePercentages
		require.NoError(t, p.Scan([]byte("{broken")))
		assert.Equal(t, DefaultStagePercentages, p)
	})

	t.Run("invalid sequence falls back to default", func(t *testing.T) {
		var p StagePercentages
		require.NoError(t, p.Scan([]byte("[90,10,100]")))
		assert.Equal(t, DefaultStagePercentages, p)
	})

	t.Run("unexpected type falls back to default", func(t *testing.T) {
		var p StagePercentages
		require.NoError(t, p.Scan(42))
		assert.Equal(t, DefaultStagePercentages, p)
	})
}

func TestStagePercentagesValueRoundTrip(t *testing.T) {
	original := StagePercentages{5, 25, 50, 100}
	value, err := original.Value()
	require.NoError(t, err)

	var restored StagePercentages
	require.NoError(t, restored.Scan(value))
	assert.Equal(t, original, restored)
}

func TestRolloutFailureRate(t *testing.T) {
	r := &Rollout{TotalDevices: 200, FailedDevices: 30}
	assert.InDelta(t, 15.0, r.FailureRate(), 0.001)

	empty := &Rollout{TotalDevices: 0, FailedDevices: 5}
	assert.Zero(t, empty.FailureRate())
}

func TestRolloutStageDeviceCount(t *testing.T) {
	r := &Rollout{
		StagePercentages: StagePercentages{5, 25, 50, 100},
		TotalDevices:     7,
	}

	// Rounds down at every stage.
	assert.Equal(t, 0, r.StageDeviceCount(1))
	assert.Equal(t, 1, r.StageDeviceCount(2))
	assert.Equal(t, 3, r.StageDeviceCount(3))
	assert.Equal(t, 7, r.StageDeviceCount(4))

	// Out-of-range stages target nothing.
	assert.Equal(t, 0, r.StageDeviceCount(0))
	assert.Equal(t, 0, r.StageDeviceCount(5))
}

func TestRolloutStatusTerminal(t *testing.T) {
	assert.False(t, RolloutStatusActive.Terminal())
	assert.False(t, RolloutStatusPaused.Terminal())
	assert.True(t, RolloutStatusCompleted.Terminal())
	assert.True(t, RolloutStatusFailed.Terminal())
	assert.True(t, RolloutStatusCancelled.Terminal())
}

func TestRolloutLastStage(t *testing.T) {
	r := &Rollout{StagePercentages: StagePercentages{50, 100}, CurrentStage: 1}
	assert.False(t, r.LastStage())
	r.CurrentStage = 2
	assert.True(t, r.LastStage())
}

func TestOutcomeKindValid(t *testing.T) {
	assert.True(t, OutcomeSuccess.Valid())
	assert.True(t, OutcomeFailure.Valid())
	assert.False(t, OutcomeKind("timeout").Valid())
	assert.False(t, OutcomeKind("").Valid())
}
