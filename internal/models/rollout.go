package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RolloutStatus captures the lifecycle states of a staged rollout.
type RolloutStatus string

const (
	RolloutStatusActive    RolloutStatus = "active"
	RolloutStatusPaused    RolloutStatus = "paused"
	RolloutStatusCompleted RolloutStatus = "completed"
	RolloutStatusFailed    RolloutStatus = "failed"
	RolloutStatusCancelled RolloutStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s RolloutStatus) Terminal() bool {
	switch s {
	case RolloutStatusCompleted, RolloutStatusFailed, RolloutStatusCancelled:
		return true
	}
	return false
}

// DefaultStagePercentages is the fallback stage sequence applied when a
// persisted or submitted sequence cannot be used.
var DefaultStagePercentages = StagePercentages{5, 25, 50, 100}

// StagePercentages is an ordered sequence of cumulative fleet percentages,
// persisted as a JSON array.
type StagePercentages []int

// Validate checks the sequence is non-empty, each value in (0,100],
// non-decreasing and ending at 100.
func (p StagePercentages) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("stage percentages must not be empty")
	}
	prev := 0
	for i, pct := range p {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("stage %d: percentage %d out of range (0,100]", i+1, pct)
		}
		if pct < prev {
			return fmt.Errorf("stage %d: percentage %d lower than previous %d", i+1, pct, prev)
		}
		prev = pct
	}
	if p[len(p)-1] != 100 {
		return fmt.Errorf("last stage must be 100, got %d", p[len(p)-1])
	}
	return nil
}

// Value marshals the sequence to JSON for persistence.
func (p StagePercentages) Value() (driver.Value, error) {
	data, err := json.Marshal([]int(p))
	if err != nil {
		return nil, fmt.Errorf("marshal stage percentages: %w", err)
	}
	return data, nil
}

// Scan unmarshals a persisted JSON array. A malformed or invalid payload
// falls back to DefaultStagePercentages so a corrupt row cannot stall the
// dashboard; callers detect the recovery by comparing against the column.
func (p *StagePercentages) Scan(value interface{}) error {
	if value == nil {
		*p = append(StagePercentages(nil), DefaultStagePercentages...)
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		*p = append(StagePercentages(nil), DefaultStagePercentages...)
		return nil
	}
	var seq []int
	if err := json.Unmarshal(data, &seq); err != nil || StagePercentages(seq).Validate() != nil {
		*p = append(StagePercentages(nil), DefaultStagePercentages...)
		return nil
	}
	*p = seq
	return nil
}

// Rollout is a phased firmware deployment campaign for one firmware version.
type Rollout struct {
	ID               string           `db:"id" json:"id"`
	Version          string           `db:"version" json:"version"`
	StagePercentages StagePercentages `db:"stage_percentages" json:"stage_percentages"`
	CurrentStage     int              `db:"current_stage" json:"current_stage"`
	Status           RolloutStatus    `db:"status" json:"status"`
	TotalDevices     int              `db:"total_devices" json:"total_devices"`
	UpdatedDevices   int              `db:"updated_devices" json:"updated_devices"`
	FailedDevices    int              `db:"failed_devices" json:"failed_devices"`
	AutoExpand       bool             `db:"auto_expand" json:"auto_expand"`
	ExpandAfterMin   int              `db:"expand_after_minutes" json:"expand_after_minutes"`
	FailureThreshold int              `db:"failure_threshold" json:"failure_threshold"`
	LastExpanded     time.Time        `db:"last_expanded" json:"last_expanded"`
	CreatedBy        *string          `db:"created_by" json:"created_by,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// FailureRate returns the failed-device percentage of the fleet snapshot
// taken at creation. An empty fleet has a zero failure rate.
func (r *Rollout) FailureRate() float64 {
	if r.TotalDevices == 0 {
		return 0
	}
	return float64(r.FailedDevices) / float64(r.TotalDevices) * 100
}

// StageDeviceCount returns how many devices the given 1-based stage targets
// cumulatively, rounding down.
func (r *Rollout) StageDeviceCount(stage int) int {
	if stage < 1 || stage > len(r.StagePercentages) {
		return 0
	}
	return r.StagePercentages[stage-1] * r.TotalDevices / 100
}

// LastStage reports whether the current stage is the final one.
func (r *Rollout) LastStage() bool {
	return r.CurrentStage >= len(r.StagePercentages)
}

// OutcomeKind is the terminal result a device reports for a rollout.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// Valid reports whether the outcome is one of the known kinds.
func (o OutcomeKind) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// RolloutOutcome is the per-(rollout, device) dedup record: each device
// contributes at most one counted outcome per rollout.
type RolloutOutcome struct {
	RolloutID string      `db:"rollout_id" json:"rollout_id"`
	DeviceID  string      `db:"device_id" json:"device_id"`
	Outcome   OutcomeKind `db:"outcome" json:"outcome"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}
