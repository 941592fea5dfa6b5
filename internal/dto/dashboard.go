package dto

// FleetSummary is the cached dashboard aggregate.
type FleetSummary struct {
	TotalDevices    int               `json:"total_devices"`
	OnlineDevices   int               `json:"online_devices"`
	OfflineDevices  int               `json:"offline_devices"`
	VersionCounts   map[string]int    `json:"version_counts"`
	ActiveRollouts  []RolloutProgress `json:"active_rollouts"`
	FirmwareCount   int               `json:"firmware_count"`
	PendingUpdates  int               `json:"pending_updates"`
	GeneratedAtUnix int64             `json:"generated_at"`
}
