package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	"github.com/ottofleet/fleet-api/internal/service"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
	"github.com/ottofleet/fleet-api/pkg/response"
)

// DeviceHandler exposes the device registry endpoints.
type DeviceHandler struct {
	service *service.DeviceService
	metrics *service.MetricsService
}

// NewDeviceHandler constructs a device handler.
func NewDeviceHandler(svc *service.DeviceService, metrics *service.MetricsService) *DeviceHandler {
	return &DeviceHandler{service: svc, metrics: metrics}
}

// List godoc
// @Summary List devices
// @Tags Devices
// @Produce json
// @Param status query string false "Filter by status"
// @Param version query string false "Filter by current firmware version"
// @Param search query string false "Search by name or MAC"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /devices [get]
func (h *DeviceHandler) List(c *gin.Context) {
	var filter models.DeviceFilter
	if status := c.Query("status"); status != "" {
		s := models.DeviceStatus(status)
		filter.Status = &s
	}
	filter.Version = c.Query("version")
	filter.Search = strings.TrimSpace(c.Query("search"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	devices, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, devices, pagination)
}

// Get godoc
// @Summary Get device detail
// @Tags Devices
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /devices/{id} [get]
func (h *DeviceHandler) Get(c *gin.Context) {
	device, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, device, nil)
}

// Register godoc
// @Summary Register a device
// @Tags Devices
// @Accept json
// @Produce json
// @Param payload body dto.RegisterDeviceRequest true "Device payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /devices [post]
func (h *DeviceHandler) Register(c *gin.Context) {
	var req dto.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	device, err := h.service.Register(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, device)
}

// Checkin godoc
// @Summary Device check-in heartbeat
// @Description Records a heartbeat and optionally an update outcome for an active rollout.
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Param payload body dto.CheckinRequest true "Check-in payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /devices/{id}/checkin [post]
func (h *DeviceHandler) Checkin(c *gin.Context) {
	var req dto.CheckinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	device, err := h.service.Checkin(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if req.UpdateOutcome != nil {
		h.metrics.RecordOutcome(models.OutcomeKind(*req.UpdateOutcome))
	}
	response.JSON(c, http.StatusOK, device, nil)
}

// Delete godoc
// @Summary Deregister a device
// @Tags Devices
// @Produce json
// @Param id path string true "Device ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /devices/{id} [delete]
func (h *DeviceHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
