package rating

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peertradehq/peertrade/internal/pagination"
	"github.com/peertradehq/peertrade/internal/validation"
)

// Handler serves the rating read API
type Handler struct {
	service *Service
}

// NewHandler creates a rating handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up rating endpoints.
// Writes go through the trade service's rate operation, not here.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/ratings", h.ListReceived)
	r.GET("/trades/:tradeId/ratings", h.ListForTrade)
}

// ListReceived handles GET /accounts/:address/ratings
func (h *Handler) ListReceived(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid 0x address",
		})
		return
	}

	limit := pagination.ParseLimit(c.Query("limit"))
	beforeID, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	ratings, err := h.service.Received(c.Request.Context(), address, beforeID, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}
	ratings, nextCursor, hasMore := pagination.ComputePage(ratings, limit, func(r *Rating) int64 { return r.ID })

	summary, err := h.service.Summarize(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "summary_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary":    summary,
		"ratings":    ratings,
		"count":      len(ratings),
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}

// ListForTrade handles GET /trades/:tradeId/ratings
func (h *Handler) ListForTrade(c *gin.Context) {
	tradeID, err := strconv.ParseInt(c.Param("tradeId"), 10, 64)
	if err != nil || tradeID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_trade_id",
			"message": "trade id must be a positive integer",
		})
		return
	}

	ratings, err := h.service.ForTrade(c.Request.Context(), tradeID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tradeId": tradeID,
		"ratings": ratings,
		"count":   len(ratings),
	})
}
