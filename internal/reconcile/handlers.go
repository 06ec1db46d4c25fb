package reconcile

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peertradehq/peertrade/internal/logging"
)

// Handler exposes an on-demand reconciliation run.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconcile handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up the reconciliation trigger. The group
// must already enforce admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.Run)
}

// Run handles GET /reconcile
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.service.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, rep)
}
