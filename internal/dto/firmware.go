package dto

// UploadFirmwareRequest accompanies a firmware binary upload (multipart
// form fields next to the file part).
type UploadFirmwareRequest struct {
	Version      string `form:"version" validate:"required"`
	ReleaseNotes string `form:"release_notes"`
}

// FirmwareDownload carries the signed download location for a firmware image.
type FirmwareDownload struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// CreateWebhookRequest registers a notification endpoint.
type CreateWebhookRequest struct {
	URL    string `json:"url" validate:"required,url"`
	Secret string `json:"secret" validate:"required,min=8"`
	Events string `json:"events"`
}
