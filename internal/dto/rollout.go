package dto

// CreateRolloutRequest is the operator payload for starting a staged rollout.
type CreateRolloutRequest struct {
	Version          string `json:"version" validate:"required"`
	StagePercentages []int  `json:"stage_percentages,omitempty"`
	AutoExpand       bool   `json:"auto_expand"`
	ExpandAfterMin   *int   `json:"expand_after_minutes,omitempty" validate:"omitempty,min=1"`
	FailureThreshold *int   `json:"failure_threshold,omitempty" validate:"omitempty,min=0,max=100"`
}

// ReportOutcomeRequest is the ingestion-hook payload a device (or its
// gateway) posts after attempting an update.
type ReportOutcomeRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Outcome  string `json:"outcome" validate:"required,oneof=success failure"`
}

// RolloutFilter captures filtering criteria for listing rollouts.
type RolloutFilter struct {
	Status  string
	Version string
}

// RolloutProgress summarises a rollout for dashboard consumption.
type RolloutProgress struct {
	ID             string  `json:"id"`
	Version        string  `json:"version"`
	Status         string  `json:"status"`
	CurrentStage   int     `json:"current_stage"`
	TotalStages    int     `json:"total_stages"`
	StagePercent   int     `json:"stage_percent"`
	TotalDevices   int     `json:"total_devices"`
	UpdatedDevices int     `json:"updated_devices"`
	FailedDevices  int     `json:"failed_devices"`
	FailureRate    float64 `json:"failure_rate"`
}
