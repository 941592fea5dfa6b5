package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ottofleet/fleet-api/internal/middleware"
	"github.com/ottofleet/fleet-api/internal/service"
	"github.com/ottofleet/fleet-api/pkg/response"
)

// DashboardHandler exposes the fleet summary endpoint.
type DashboardHandler struct {
	service *service.DashboardService
	metrics *service.MetricsService
}

// NewDashboardHandler constructs a dashboard handler.
func NewDashboardHandler(svc *service.DashboardService, metrics *service.MetricsService) *DashboardHandler {
	return &DashboardHandler{service: svc, metrics: metrics}
}

// Summary godoc
// @Summary Fleet dashboard summary
// @Description Aggregated device, firmware and rollout counts. Served from cache when fresh.
// @Tags Dashboard
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /dashboard/summary [get]
func (h *DashboardHandler) Summary(c *gin.Context) {
	summary, cacheHit, err := h.service.FleetSummary(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	h.metrics.RecordCacheOperation(cacheHit)
	response.JSON(c, http.StatusOK, summary, nil, middleware.ExtractMeta(c))
}
