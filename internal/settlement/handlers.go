package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/auth"
	"github.com/peertradehq/peertrade/internal/ledger"
	"github.com/peertradehq/peertrade/internal/logging"
)

// Handler provides HTTP handlers for deposits and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settlement/transactions/:txHash", h.GetTransaction)

	r.POST("/settlement/deposits", auth.RequireAuth(), h.VerifyDeposit)
	r.POST("/settlement/withdrawals", auth.RequireAuth(), h.Withdraw)
}

// RegisterAdminRoutes sets up the custody wallet route. The group must
// already enforce admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/settlement/wallet", h.WalletStatus)
}

// VerifyDepositRequest names the transaction to verify and credit.
type VerifyDepositRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

// WithdrawRequest moves ledger funds out to an on-chain address.
type WithdrawRequest struct {
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// VerifyDeposit handles POST /settlement/deposits
func (h *Handler) VerifyDeposit(c *gin.Context) {
	var req VerifyDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	credits, err := h.service.CreditDeposit(c.Request.Context(), req.TxHash)
	if err != nil {
		h.writeError(c, err, "verify deposit")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"credits": credits,
		"count":   len(credits),
	})
}

// Withdraw handles POST /settlement/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "amount must be a decimal number",
		})
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	receipt, err := h.service.Withdraw(c.Request.Context(), caller, req.To, amount)
	if err != nil {
		h.writeError(c, err, "withdraw")
		return
	}

	// The transfer is broadcast, not yet mined.
	c.JSON(http.StatusAccepted, gin.H{
		"receipt": receipt,
	})
}

// GetTransaction handles GET /settlement/transactions/:txHash
func (h *Handler) GetTransaction(c *gin.Context) {
	receipt, err := h.service.Confirm(c.Request.Context(), c.Param("txHash"))
	switch {
	case errors.Is(err, ErrTxPending):
		c.JSON(http.StatusOK, gin.H{"status": "pending"})
	case errors.Is(err, ErrTxFailed):
		c.JSON(http.StatusOK, gin.H{"status": "failed"})
	case err != nil:
		h.writeError(c, err, "get transaction")
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":  "confirmed",
			"receipt": receipt,
		})
	}
}

// WalletStatus handles GET /admin/settlement/wallet
func (h *Handler) WalletStatus(c *gin.Context) {
	status, err := h.service.WalletStatus(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "wallet status")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	var transferErr *TransferError

	switch {
	case errors.Is(err, ErrInvalidTxHash):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tx_hash",
			"message": "Transaction hash must be 0x followed by 64 hex characters",
		})
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoDeposit):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "deposit_not_found",
			"message": "Transaction carries no transfer to the custody wallet",
		})
	case errors.Is(err, ErrTxPending):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "tx_pending",
			"message": "Transaction not yet mined, retry shortly",
		})
	case errors.Is(err, ErrTxFailed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "tx_failed",
			"message": "Transaction reverted on chain",
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_funds",
			"message": "Ledger balance does not cover the withdrawal",
		})
	case errors.Is(err, ErrRPCUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "rpc_unavailable",
			"message": "Settlement RPC is unavailable, try again later",
		})
	case errors.As(err, &transferErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "rpc_error",
			"message": "Settlement RPC call failed",
		})
	default:
		logging.L(c.Request.Context()).Error("settlement operation failed",
			"op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
