package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/service"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
	"github.com/ottofleet/fleet-api/pkg/response"
)

// FirmwareHandler exposes the firmware catalog endpoints.
type FirmwareHandler struct {
	service *service.FirmwareService
}

// NewFirmwareHandler constructs a firmware handler.
func NewFirmwareHandler(svc *service.FirmwareService) *FirmwareHandler {
	return &FirmwareHandler{service: svc}
}

// List godoc
// @Summary List firmware versions
// @Tags Firmware
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /firmware [get]
func (h *FirmwareHandler) List(c *gin.Context) {
	firmware, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, firmware, nil)
}

// Upload godoc
// @Summary Upload a firmware image
// @Tags Firmware
// @Accept multipart/form-data
// @Produce json
// @Param version formData string true "Firmware version"
// @Param release_notes formData string false "Release notes"
// @Param file formData file true "Firmware binary"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /firmware [post]
func (h *FirmwareHandler) Upload(c *gin.Context) {
	var req dto.UploadFirmwareRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "firmware binary is required"))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open upload"))
		return
	}
	defer file.Close()

	fw, err := h.service.Upload(c.Request.Context(), req, fileHeader.Filename, fileHeader.Size, file, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, fw)
}

// SignedDownload godoc
// @Summary Issue a signed download URL for a firmware image
// @Tags Firmware
// @Produce json
// @Param id path string true "Firmware ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /firmware/{id}/download [get]
func (h *FirmwareHandler) SignedDownload(c *gin.Context) {
	download, err := h.service.SignedDownload(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, download, nil)
}

// Download serves a firmware binary for a valid signed token. Devices hit
// this endpoint without authentication.
func (h *FirmwareHandler) Download(c *gin.Context) {
	path, err := h.service.ResolveDownload(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.FileAttachment(path, "firmware.bin")
}
