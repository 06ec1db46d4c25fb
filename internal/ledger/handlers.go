package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/pagination"
	"github.com/peertradehq/peertrade/internal/validation"
)

// Handler provides HTTP endpoints for ledger queries.
// Fund movement happens through the settlement, funding and escrow
// packages; the only HTTP mutation is the admin deposit route, for
// deployments without an indexer.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes. The caller is expected to wrap
// these in ownership middleware; balances are visible to their owner only.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/ledger/total", h.GetTotal)
	r.POST("/admin/ledger/deposits", h.RecordDeposit)
}

// GetBalance handles GET /accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")

	balance, err := h.ledger.GetBalance(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
	})
}

// GetHistory handles GET /accounts/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	address := c.Param("address")

	limit := pagination.ParseLimit(c.Query("limit"))
	beforeID, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	entries, err := h.ledger.History(c.Request.Context(), address, beforeID, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	page, next, more := pagination.ComputePage(entries, limit, func(e *Entry) int64 { return e.ID })

	c.JSON(http.StatusOK, gin.H{
		"entries":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// DepositRequest is the payload for a manual deposit credit.
type DepositRequest struct {
	Address   string `json:"address" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// RecordDeposit handles POST /admin/ledger/deposits. In production an
// indexer webhook or the settlement watcher credits deposits; this
// route covers deployments running without either.
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address, amount and reference are required",
		})
		return
	}

	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Address must be 0x followed by 40 hex characters",
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a decimal number",
		})
		return
	}

	if err := h.ledger.Deposit(c.Request.Context(), req.Address, amount, req.Reference); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateDeposit):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_deposit",
				"message": "Deposit already credited",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
		default:
			h.logger.Error("deposit failed", "address", req.Address, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "deposit_error",
				"message": "Failed to record deposit",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":    "credited",
		"address":   req.Address,
		"reference": req.Reference,
	})
}

// GetTotal handles GET /admin/ledger/total. It reports the sum of all
// available balances, which reconciliation compares against custody.
func (h *Handler) GetTotal(c *gin.Context) {
	total, err := h.ledger.TotalAvailable(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to compute total",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"totalAvailable": total,
	})
}
