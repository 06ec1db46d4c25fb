package reputation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/peertradehq/peertrade/internal/validation"
)

// Handler provides HTTP endpoints for reputation
type Handler struct {
	service *Service
}

// NewHandler creates a new reputation handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation/:address", h.GetReputation)
	r.POST("/reputation/batch", h.GetBatchReputation)
}

// GetReputation returns the reputation score for a single address.
// Unseen addresses get a zero-history score, not a 404: registration
// is first-come, so "no trades yet" is a normal state.
func (h *Handler) GetReputation(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Address must be a valid 0x address",
		})
		return
	}

	score, err := h.service.Score(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "score_failed",
			"message": "Failed to calculate reputation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reputation": score})
}

// BatchRequest is a request for batch reputation lookups.
type BatchRequest struct {
	Addresses []string `json:"addresses" binding:"required"`
}

// GetBatchReputation returns reputation scores for multiple addresses.
// POST /v1/reputation/batch
func (h *Handler) GetBatchReputation(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'addresses' array",
		})
		return
	}

	if len(req.Addresses) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "At least one address is required",
		})
		return
	}
	if len(req.Addresses) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "too_many_addresses",
			"message": "Maximum 100 addresses per batch request",
		})
		return
	}

	scores := make([]*Score, 0, len(req.Addresses))
	for _, addr := range req.Addresses {
		addr = strings.ToLower(addr)
		score, err := h.service.Score(c.Request.Context(), addr)
		if err != nil {
			// Zero score for addresses that fail lookup
			score = &Score{Address: addr, Tier: TierNew}
		}
		scores = append(scores, score)
	}

	c.JSON(http.StatusOK, gin.H{
		"scores": scores,
		"count":  len(scores),
	})
}
