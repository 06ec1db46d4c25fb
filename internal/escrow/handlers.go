package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/auth"
	"github.com/peertradehq/peertrade/internal/logging"
	"github.com/peertradehq/peertrade/internal/validation"
)

// Handler provides HTTP endpoints for escrow state and the admin-only
// partial withdrawals. Lifecycle moves (lock, release, refund,
// transfer) have no routes here; they happen inside trade operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:tradeId/escrow", h.GetRecord)
}

// RegisterAdminRoutes sets up the privileged withdrawal routes. The
// group must already enforce admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:tradeId/split", h.Split)
	r.POST("/escrow/:tradeId/penalize", h.Penalize)
	r.POST("/escrow/:tradeId/fee", h.PayFee)
}

// GetRecord handles GET /trades/:tradeId/escrow
func (h *Handler) GetRecord(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	rec, err := h.service.Get(c.Request.Context(), tradeID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "escrow_not_found",
				"message": "No escrow record exists for this trade",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to load escrow record", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow record",
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// SplitRequest is the body for POST /escrow/:tradeId/split
type SplitRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Receiver string `json:"receiver" binding:"required"`
}

// Split handles POST /escrow/:tradeId/split
func (h *Handler) Split(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	var req SplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if verrs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAddress("receiver", req.Receiver),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verrs,
		})
		return
	}
	amount, _ := decimal.NewFromString(req.Amount)

	caller := auth.GetAuthenticatedAddress(c)
	rec, err := h.service.Split(c.Request.Context(), caller, tradeID, amount, req.Receiver)
	if err != nil {
		h.writeOpError(c, err, "split")
		return
	}

	logging.L(c.Request.Context()).Info("escrow split",
		"trade_id", tradeID, "amount", amount, "receiver", req.Receiver, "admin", caller)
	c.JSON(http.StatusOK, rec)
}

// Penalize handles POST /escrow/:tradeId/penalize
func (h *Handler) Penalize(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	rec, err := h.service.Penalize(c.Request.Context(), caller, tradeID)
	if err != nil {
		h.writeOpError(c, err, "penalize")
		return
	}

	logging.L(c.Request.Context()).Info("escrow penalized",
		"trade_id", tradeID, "admin", caller)
	c.JSON(http.StatusOK, rec)
}

// PayFee handles POST /escrow/:tradeId/fee
func (h *Handler) PayFee(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	rec, err := h.service.PayPlatformFee(c.Request.Context(), caller, tradeID)
	if err != nil {
		h.writeOpError(c, err, "fee")
		return
	}

	logging.L(c.Request.Context()).Info("escrow fee collected",
		"trade_id", tradeID, "admin", caller)
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) writeOpError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "escrow_not_found",
			"message": "No escrow record exists for this trade",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Caller is not authorized for this operation",
		})
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrNotLocked):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_not_active",
			"message": "The escrow record is not active",
		})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_balance",
			"message": "Amount exceeds the remaining escrow balance",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be positive",
		})
	default:
		logging.L(c.Request.Context()).Error("escrow operation failed",
			"op", op, "error", err, slog.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Escrow operation failed",
		})
	}
}

func tradeIDParam(c *gin.Context) (int64, bool) {
	tradeID, err := strconv.ParseInt(c.Param("tradeId"), 10, 64)
	if err != nil || tradeID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_trade_id",
			"message": "Trade ID must be a positive integer",
		})
		return 0, false
	}
	return tradeID, true
}
