package models

import "time"

// DeviceStatus reflects the last known connectivity of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Device represents a registered fleet device.
type Device struct {
	ID             string       `db:"id" json:"id"`
	Name           string       `db:"name" json:"name"`
	MACAddress     string       `db:"mac_address" json:"mac_address"`
	CurrentVersion string       `db:"current_version" json:"current_version"`
	TargetVersion  *string      `db:"target_version" json:"target_version,omitempty"`
	Status         DeviceStatus `db:"status" json:"status"`
	LastSeen       *time.Time   `db:"last_seen" json:"last_seen,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// UpToDate reports whether the device already runs its target version.
func (d *Device) UpToDate() bool {
	return d.TargetVersion == nil || d.CurrentVersion == *d.TargetVersion
}

// DeviceFilter captures filtering criteria for listing devices.
type DeviceFilter struct {
	Status    *DeviceStatus
	Version   string
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
