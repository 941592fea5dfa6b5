package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ottofleet/fleet-api/internal/service"
	"github.com/ottofleet/fleet-api/pkg/response"
)

// ExportHandler exposes CSV and PDF export endpoints.
type ExportHandler struct {
	service *service.ExportService
}

// NewExportHandler constructs an export handler.
func NewExportHandler(svc *service.ExportService) *ExportHandler {
	return &ExportHandler{service: svc}
}

// DeviceInventory godoc
// @Summary Export the device inventory
// @Tags Export
// @Produce application/octet-stream
// @Param format query string false "Export format (csv or pdf)"
// @Success 200 {file} binary
// @Router /export/devices [get]
func (h *ExportHandler) DeviceInventory(c *gin.Context) {
	format := service.ExportFormat(c.DefaultQuery("format", "csv"))
	result, err := h.service.DeviceInventory(c.Request.Context(), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeExport(c, result)
}

// RolloutReport godoc
// @Summary Export a rollout progress report
// @Tags Export
// @Produce application/octet-stream
// @Param id path string true "Rollout ID"
// @Param format query string false "Export format (csv or pdf)"
// @Success 200 {file} binary
// @Failure 404 {object} response.Envelope
// @Router /export/rollouts/{id} [get]
func (h *ExportHandler) RolloutReport(c *gin.Context) {
	format := service.ExportFormat(c.DefaultQuery("format", "csv"))
	result, err := h.service.RolloutReport(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeExport(c, result)
}

func writeExport(c *gin.Context, result *service.ExportResult) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Data)
}
