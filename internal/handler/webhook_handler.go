package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/service"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
	"github.com/ottofleet/fleet-api/pkg/response"
)

// WebhookHandler manages notification endpoint subscriptions.
type WebhookHandler struct {
	service *service.WebhookService
}

// NewWebhookHandler constructs a webhook handler.
func NewWebhookHandler(svc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{service: svc}
}

// List godoc
// @Summary List webhook subscriptions
// @Tags Webhooks
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /webhooks [get]
func (h *WebhookHandler) List(c *gin.Context) {
	hooks, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, hooks, nil)
}

// Create godoc
// @Summary Register a webhook subscription
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param payload body dto.CreateWebhookRequest true "Webhook payload"
// @Success 201 {object} response.Envelope
// @Router /webhooks [post]
func (h *WebhookHandler) Create(c *gin.Context) {
	var req dto.CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	hook, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, hook)
}

// Delete godoc
// @Summary Remove a webhook subscription
// @Tags Webhooks
// @Produce json
// @Param id path string true "Webhook ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /webhooks/{id} [delete]
func (h *WebhookHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
