package dto

// RegisterDeviceRequest creates a device registry entry.
type RegisterDeviceRequest struct {
	Name           string `json:"name" validate:"required"`
	MACAddress     string `json:"mac_address" validate:"required,mac"`
	CurrentVersion string `json:"current_version"`
}

// CheckinRequest is posted by a device on its periodic check-in. A check-in
// may carry the outcome of an update attempt, which feeds the rollout
// ingestion hook.
type CheckinRequest struct {
	CurrentVersion string  `json:"current_version"`
	RolloutID      *string `json:"rollout_id,omitempty"`
	UpdateOutcome  *string `json:"update_outcome,omitempty" validate:"omitempty,oneof=success failure"`
}
