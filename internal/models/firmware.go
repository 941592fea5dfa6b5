package models

import "time"

// Firmware is a catalog entry for an uploaded firmware image.
type Firmware struct {
	ID           string    `db:"id" json:"id"`
	Version      string    `db:"version" json:"version"`
	Filename     string    `db:"filename" json:"filename"`
	SizeBytes    int64     `db:"size_bytes" json:"size_bytes"`
	Checksum     string    `db:"checksum" json:"checksum"`
	ReleaseNotes string    `db:"release_notes" json:"release_notes"`
	UploadedBy   *string   `db:"uploaded_by" json:"uploaded_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
