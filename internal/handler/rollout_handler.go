package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	"github.com/ottofleet/fleet-api/internal/service"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
	"github.com/ottofleet/fleet-api/pkg/response"
)

// RolloutHandler exposes the staged rollout control endpoints.
type RolloutHandler struct {
	service *service.RolloutService
	metrics *service.MetricsService
}

// NewRolloutHandler constructs a rollout handler.
func NewRolloutHandler(svc *service.RolloutService, metrics *service.MetricsService) *RolloutHandler {
	return &RolloutHandler{service: svc, metrics: metrics}
}

// List godoc
// @Summary List rollouts
// @Tags Rollouts
// @Produce json
// @Param status query string false "Filter by status"
// @Param version query string false "Filter by firmware version"
// @Success 200 {object} response.Envelope
// @Router /rollouts [get]
func (h *RolloutHandler) List(c *gin.Context) {
	filter := dto.RolloutFilter{
		Status:  c.Query("status"),
		Version: c.Query("version"),
	}
	rollouts, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rollouts, nil)
}

// Get godoc
// @Summary Get rollout detail
// @Tags Rollouts
// @Produce json
// @Param id path string true "Rollout ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /rollouts/{id} [get]
func (h *RolloutHandler) Get(c *gin.Context) {
	rollout, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rollout, nil)
}

// Create godoc
// @Summary Start a staged rollout
// @Tags Rollouts
// @Accept json
// @Produce json
// @Param payload body dto.CreateRolloutRequest true "Rollout payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /rollouts [post]
func (h *RolloutHandler) Create(c *gin.Context) {
	var req dto.CreateRolloutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	rollout, err := h.service.Create(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rollout)
}

// Advance godoc
// @Summary Advance a rollout to its next stage
// @Tags Rollouts
// @Produce json
// @Param id path string true "Rollout ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /rollouts/{id}/advance [post]
func (h *RolloutHandler) Advance(c *gin.Context) {
	rollout, err := h.service.Advance(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rollout, nil)
}

// Pause godoc
// @Summary Pause an active rollout
// @Tags Rollouts
// @Produce json
// @Param id path string true "Rollout ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /rollouts/{id}/pause [post]
func (h *RolloutHandler) Pause(c *gin.Context) {
	rollout, err := h.service.Pause(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rollout, nil)
}

// Resume godoc
// @Summary Resume a paused rollout
// @Tags Rollouts
// @Produce json
// @Param id path string true "Rollout ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /rollouts/{id}/resume [post]
func (h *RolloutHandler) Resume(c *gin.Context) {
	rollout, err := h.service.Resume(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rollout, nil)
}

// Cancel godoc
// @Summary Cancel a rollout
// @Tags Rollouts
// @Produce json
// @Param id path string true "Rollout ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /rollouts/{id}/cancel [post]
func (h *RolloutHandler) Cancel(c *gin.Context) {
	rollout, err := h.service.Cancel(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rollout, nil)
}

// ReportOutcome godoc
// @Summary Report a device update outcome
// @Description Ingestion hook for devices reporting the result of an update attempt.
// @Tags Rollouts
// @Accept json
// @Produce json
// @Param id path string true "Rollout ID"
// @Param payload body dto.ReportOutcomeRequest true "Outcome payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /rollouts/{id}/outcomes [post]
func (h *RolloutHandler) ReportOutcome(c *gin.Context) {
	var req dto.ReportOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	rollout, err := h.service.RecordOutcome(c.Request.Context(), c.Param("id"), req.DeviceID, models.OutcomeKind(req.Outcome))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordOutcome(models.OutcomeKind(req.Outcome))
	response.JSON(c, http.StatusOK, rollout, nil)
}
