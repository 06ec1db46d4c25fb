package trade

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/auth"
	"github.com/peertradehq/peertrade/internal/escrow"
	"github.com/peertradehq/peertrade/internal/ledger"
	"github.com/peertradehq/peertrade/internal/logging"
	"github.com/peertradehq/peertrade/internal/offers"
	"github.com/peertradehq/peertrade/internal/rating"
	"github.com/peertradehq/peertrade/internal/validation"
)

// Handler provides HTTP handlers for the trade lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade routes. Reads are public; every
// lifecycle action requires an authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/stats", h.Stats)
	r.GET("/trades/:tradeId", h.GetTrade)
	r.GET("/trades/:tradeId/sequence", h.GetSequence)
	r.POST("/trades", auth.RequireAuth(), h.InitiateTrade)
	r.POST("/trades/:tradeId/accept", auth.RequireAuth(), h.AcceptTrade)
	r.POST("/trades/:tradeId/fiat-paid", auth.RequireAuth(), h.MarkFiatPaid)
	r.POST("/trades/:tradeId/finalize", auth.RequireAuth(), h.FinalizeTrade)
	r.POST("/trades/:tradeId/cancel", auth.RequireAuth(), h.CancelTrade)
	r.POST("/trades/:tradeId/dispute", auth.RequireAuth(), h.DisputeTrade)
	r.POST("/trades/:tradeId/timeout", auth.RequireAuth(), h.TimeoutTrade)
	r.POST("/trades/:tradeId/rate", auth.RequireAuth(), h.RateTrade)
	r.POST("/trades/:tradeId/refund", auth.RequireAuth(), h.RefundTrade)
}

// InitiateRequest is the payload for opening a trade or a chain of
// trades. Amounts travel as strings to keep decimal precision out of
// float hands.
type InitiateRequest struct {
	OfferIDs       []int64 `json:"offerIds" binding:"required,min=1"`
	FiatAmount     string  `json:"fiatAmount" binding:"required"`
	CryptoAmount   string  `json:"cryptoAmount" binding:"required"`
	FiatCurrency   string  `json:"fiatCurrency" binding:"required"`
	CryptoCurrency string  `json:"cryptoCurrency" binding:"required"`
	TimeoutSeconds int64   `json:"timeoutSeconds"` // 0 takes the configured default window
	CancelReason   string  `json:"cancelReason,omitempty"`
}

// RateRequest is the payload for post-trade feedback.
type RateRequest struct {
	Stars   int    `json:"stars" binding:"required"`
	Comment string `json:"comment,omitempty"`
}

// InitiateTrade handles POST /trades
func (h *Handler) InitiateTrade(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("fiatAmount", req.FiatAmount),
		validation.ValidAmount("cryptoAmount", req.CryptoAmount),
		validation.ValidCurrency("fiatCurrency", req.FiatCurrency),
		validation.ValidCryptoCode("cryptoCurrency", req.CryptoCurrency),
		validation.MaxLength("cancelReason", req.CancelReason, validation.MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	fiatAmount, _ := decimal.NewFromString(req.FiatAmount)
	cryptoAmount, _ := decimal.NewFromString(req.CryptoAmount)

	caller := auth.GetAuthenticatedAddress(c)
	trades, err := h.service.Initiate(ctx, caller, InitiateParams{
		OfferIDs:       req.OfferIDs,
		FiatAmount:     fiatAmount,
		CryptoAmount:   cryptoAmount,
		FiatCurrency:   req.FiatCurrency,
		CryptoCurrency: req.CryptoCurrency,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
		CancelReason:   req.CancelReason,
	})
	if err != nil {
		h.writeError(c, err, "initiate")
		return
	}

	logger.Info("trade chain initiated",
		"head_id", trades[0].ID,
		"hops", len(trades),
		"taker", caller,
	)
	c.JSON(http.StatusCreated, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetTrade handles GET /trades/:tradeId
func (h *Handler) GetTrade(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	t, err := h.service.Get(c.Request.Context(), tradeID)
	if err != nil {
		h.writeError(c, err, "get")
		return
	}
	c.JSON(http.StatusOK, t)
}

// GetSequence handles GET /trades/:tradeId/sequence
func (h *Handler) GetSequence(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	view, err := h.service.Sequence(c.Request.Context(), tradeID)
	if err != nil {
		h.writeError(c, err, "sequence")
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListTrades handles GET /trades?address=&before=&limit=
func (h *Handler) ListTrades(c *gin.Context) {
	address := strings.ToLower(strings.TrimSpace(c.Query("address")))
	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address query parameter must be a valid address",
		})
		return
	}

	before, _ := strconv.ParseInt(c.Query("before"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	trades, err := h.service.ListByParty(c.Request.Context(), address, before, limit)
	if err != nil {
		h.writeError(c, err, "list")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// Stats handles GET /trades/stats
func (h *Handler) Stats(c *gin.Context) {
	counts, err := h.service.StatusCounts(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"statusCounts": counts})
}

// AcceptTrade handles POST /trades/:tradeId/accept
func (h *Handler) AcceptTrade(c *gin.Context) {
	h.lifecycle(c, h.service.Accept, "accept")
}

// MarkFiatPaid handles POST /trades/:tradeId/fiat-paid
func (h *Handler) MarkFiatPaid(c *gin.Context) {
	h.lifecycle(c, h.service.MarkFiatPaid, "fiat_paid")
}

// FinalizeTrade handles POST /trades/:tradeId/finalize
func (h *Handler) FinalizeTrade(c *gin.Context) {
	h.lifecycle(c, h.service.Finalize, "finalize")
}

// CancelTrade handles POST /trades/:tradeId/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	h.lifecycle(c, h.service.Cancel, "cancel")
}

// DisputeTrade handles POST /trades/:tradeId/dispute
func (h *Handler) DisputeTrade(c *gin.Context) {
	h.lifecycle(c, h.service.Dispute, "dispute")
}

// TimeoutTrade handles POST /trades/:tradeId/timeout
func (h *Handler) TimeoutTrade(c *gin.Context) {
	h.lifecycle(c, h.service.Timeout, "timeout")
}

// RateTrade handles POST /trades/:tradeId/rate
func (h *Handler) RateTrade(c *gin.Context) {
	ctx := c.Request.Context()

	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidStars("stars", req.Stars),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	r, err := h.service.Rate(ctx, caller, tradeID, req.Stars, req.Comment)
	if err != nil {
		h.writeError(c, err, "rate")
		return
	}

	logging.L(ctx).Info("trade rated",
		"trade_id", tradeID, "rater", caller, "stars", req.Stars)
	c.JSON(http.StatusCreated, r)
}

// RefundTrade handles POST /trades/:tradeId/refund
func (h *Handler) RefundTrade(c *gin.Context) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	err := h.service.Refund(c.Request.Context(), auth.GetAuthenticatedAddress(c), tradeID)
	if err != nil {
		h.writeError(c, err, "refund")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

// lifecycle runs one of the status-changing operations that share the
// (caller, tradeID) shape and returns the updated trade.
func (h *Handler) lifecycle(c *gin.Context, op func(context.Context, string, int64) (*Trade, error), name string) {
	tradeID, ok := tradeIDParam(c)
	if !ok {
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	t, err := op(c.Request.Context(), caller, tradeID)
	if err != nil {
		h.writeError(c, err, name)
		return
	}

	logging.L(c.Request.Context()).Info("trade status changed",
		"trade_id", tradeID, "status", t.Status, "caller", caller)
	c.JSON(http.StatusOK, t)
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

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "trade_not_found",
			"message": "Trade not found",
		})
	case errors.Is(err, offers.ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "offer_not_found",
			"message": "Offer not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Caller is not authorized for this operation",
		})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_a_party",
			"message": "Caller is not a party to this trade",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "The trade status does not allow this operation",
		})
	case errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "The trade changed concurrently, retry",
		})
	case errors.Is(err, ErrNotExpired):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "timeout_not_reached",
			"message": "The trade timeout window has not elapsed",
		})
	case errors.Is(err, ErrNotFinalized):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "trade_not_finalized",
			"message": "Only finalized trades can be rated",
		})
	case errors.Is(err, offers.ErrOfferInactive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "offer_inactive",
			"message": "The offer is no longer active",
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_funds",
			"message": "The maker cannot fund the escrow",
		})
	case errors.Is(err, escrow.ErrTerminal),
		errors.Is(err, escrow.ErrNotLocked),
		errors.Is(err, escrow.ErrAlreadyLocked),
		errors.Is(err, escrow.ErrPredecessorTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_conflict",
			"message": "The escrow record does not allow this operation",
		})
	case errors.Is(err, rating.ErrAlreadyRated):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_rated",
			"message": "This trade was already rated by the caller",
		})
	case errors.Is(err, ErrNoOffers),
		errors.Is(err, ErrSelfTrade),
		errors.Is(err, ErrOfferMismatch),
		errors.Is(err, ErrAmountBounds),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidTimeout),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrReasonTooLong):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_trade",
			"message": err.Error(),
		})
	case errors.Is(err, rating.ErrInvalidStars),
		errors.Is(err, rating.ErrCommentTooLong),
		errors.Is(err, rating.ErrSelfRating):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rating",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotSupported):
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_supported",
			"message": "This operation is not supported",
		})
	default:
		logging.L(c.Request.Context()).Error("trade operation failed",
			"op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Trade operation failed",
		})
	}
}
