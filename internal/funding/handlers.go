package funding

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peertradehq/peertrade/internal/auth"
	"github.com/peertradehq/peertrade/internal/logging"
)

// Handler provides HTTP handlers for card deposits.
type Handler struct {
	service *Service
}

// NewHandler creates a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the funding routes. The webhook route is
// public; the signature check is its authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/funding/webhook", h.Webhook)

	r.POST("/funding/deposits", auth.RequireAuth(), h.CreateDeposit)
	r.GET("/funding/deposits/:id", auth.RequireAuth(), h.GetDeposit)
}

// CreateDepositRequest opens a card deposit.
type CreateDepositRequest struct {
	AmountCents int64  `json:"amountCents" binding:"required"`
	Currency    string `json:"currency"`
}

// CreateDeposit handles POST /funding/deposits
func (h *Handler) CreateDeposit(c *gin.Context) {
	var req CreateDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	intent, err := h.service.CreateDeposit(c.Request.Context(), caller, req.AmountCents, req.Currency)
	if err != nil {
		h.writeError(c, err, "create deposit")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"intent": intent,
	})
}

// GetDeposit handles GET /funding/deposits/:id
func (h *Handler) GetDeposit(c *gin.Context) {
	caller := auth.GetAuthenticatedAddress(c)
	intent, err := h.service.IntentStatus(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "get deposit")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intent": intent,
	})
}

// Webhook handles POST /funding/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "could not read request body",
		})
		return
	}

	err = h.service.HandleEvent(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.writeError(c, err, "webhook")
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidCurrency):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
	case errors.Is(err, ErrIntentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "intent_not_found",
			"message": "No such payment intent",
		})
	case errors.Is(err, ErrNotYourIntent):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Payment intent belongs to another trader",
		})
	default:
		// Stripe retries on 5xx; crediting is idempotent so that is safe.
		logging.L(c.Request.Context()).Error("funding operation failed",
			"op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
