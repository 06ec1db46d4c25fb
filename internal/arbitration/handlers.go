package arbitration

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peertradehq/peertrade/internal/auth"
	"github.com/peertradehq/peertrade/internal/logging"
)

// Handler provides HTTP endpoints for disputes. Dispute creation has
// no route; it happens inside the trade dispute operation.
type Handler struct {
	service *Service
}

// NewHandler creates a new arbitration handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the party-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:tradeId/dispute", h.GetByTrade)
	r.POST("/trades/:tradeId/evidence", auth.RequireAuth(), h.SubmitEvidence)
}

// RegisterAdminRoutes sets up the resolution routes. The group must
// already enforce admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:disputeId/resolve", h.Resolve)
	r.POST("/disputes/:disputeId/initiate", h.InitiateResolution)
	r.POST("/disputes/:disputeId/execute", h.ResolveAfterTimelock)
	r.POST("/disputes/:disputeId/cancel", h.CancelResolution)
}

// GetByTrade handles GET /trades/:tradeId/dispute
func (h *Handler) GetByTrade(c *gin.Context) {
	tradeID, ok := idParam(c, "tradeId")
	if !ok {
		return
	}

	d, err := h.service.GetByTrade(c.Request.Context(), tradeID)
	if err != nil {
		h.writeError(c, err, "get")
		return
	}
	evidence, err := h.service.EvidenceList(c.Request.Context(), d.ID)
	if err != nil {
		h.writeError(c, err, "get")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dispute":  d,
		"evidence": evidence,
	})
}

// EvidenceRequest is the body for POST /trades/:tradeId/evidence
type EvidenceRequest struct {
	Text string `json:"text" binding:"required"`
}

// SubmitEvidence handles POST /trades/:tradeId/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	tradeID, ok := idParam(c, "tradeId")
	if !ok {
		return
	}

	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	e, err := h.service.SubmitEvidence(c.Request.Context(), caller, tradeID, req.Text)
	if err != nil {
		h.writeError(c, err, "evidence")
		return
	}

	logging.L(c.Request.Context()).Info("evidence submitted",
		"trade_id", tradeID, "dispute_id", e.DisputeID, "author", e.Author)
	c.JSON(http.StatusCreated, e)
}

// ResolveRequest is the body for resolve and initiate.
type ResolveRequest struct {
	FavorMaker *bool `json:"favorMaker" binding:"required"`
}

// Resolve handles POST /disputes/:disputeId/resolve
func (h *Handler) Resolve(c *gin.Context) {
	h.settle(c, func(caller string, disputeID int64, favorMaker bool) (*Dispute, error) {
		return h.service.Resolve(c.Request.Context(), caller, disputeID, favorMaker)
	}, "dispute resolved")
}

// InitiateResolution handles POST /disputes/:disputeId/initiate
func (h *Handler) InitiateResolution(c *gin.Context) {
	h.settle(c, func(caller string, disputeID int64, favorMaker bool) (*Dispute, error) {
		return h.service.InitiateResolution(c.Request.Context(), caller, disputeID, favorMaker)
	}, "dispute resolution initiated")
}

func (h *Handler) settle(c *gin.Context, op func(string, int64, bool) (*Dispute, error), logMsg string) {
	disputeID, ok := idParam(c, "disputeId")
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "favorMaker is required",
		})
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	d, err := op(caller, disputeID, *req.FavorMaker)
	if err != nil {
		h.writeError(c, err, "resolve")
		return
	}

	logging.L(c.Request.Context()).Info(logMsg,
		"dispute_id", disputeID, "trade_id", d.TradeID,
		"favor_maker", *req.FavorMaker, "admin", caller)
	c.JSON(http.StatusOK, d)
}

// ResolveAfterTimelock handles POST /disputes/:disputeId/execute
func (h *Handler) ResolveAfterTimelock(c *gin.Context) {
	disputeID, ok := idParam(c, "disputeId")
	if !ok {
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	d, err := h.service.ResolveAfterTimelock(c.Request.Context(), caller, disputeID)
	if err != nil {
		h.writeError(c, err, "execute")
		return
	}

	logging.L(c.Request.Context()).Info("timelocked resolution executed",
		"dispute_id", disputeID, "trade_id", d.TradeID, "favor_maker", d.FavorMaker)
	c.JSON(http.StatusOK, d)
}

// CancelResolution handles POST /disputes/:disputeId/cancel
func (h *Handler) CancelResolution(c *gin.Context) {
	disputeID, ok := idParam(c, "disputeId")
	if !ok {
		return
	}

	caller := auth.GetAuthenticatedAddress(c)
	d, err := h.service.CancelResolution(c.Request.Context(), caller, disputeID)
	if err != nil {
		h.writeError(c, err, "cancel")
		return
	}

	logging.L(c.Request.Context()).Info("dispute canceled",
		"dispute_id", disputeID, "trade_id", d.TradeID, "admin", caller)
	c.JSON(http.StatusOK, d)
}

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "dispute_not_found",
			"message": "No dispute exists for this id",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Caller is not authorized for this operation",
		})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_a_party",
			"message": "Only the trade parties may submit evidence",
		})
	case errors.Is(err, ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_not_pending",
			"message": "The dispute already reached a final state",
		})
	case errors.Is(err, ErrAlreadyInitiated):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "resolution_already_initiated",
			"message": "A timelocked resolution was already initiated for this dispute",
		})
	case errors.Is(err, ErrNotInitiated):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "resolution_not_initiated",
			"message": "No timelocked resolution was initiated for this dispute",
		})
	case errors.Is(err, ErrTimelockActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "timelock_active",
			"message": "The timelock has not elapsed yet",
		})
	case errors.Is(err, ErrInvalidEvidence):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_evidence",
			"message": "Evidence text must be non-empty and within the length limit",
		})
	default:
		logging.L(c.Request.Context()).Error("arbitration operation failed",
			"op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Arbitration operation failed",
		})
	}
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		code := "invalid_trade_id"
		if name == "disputeId" {
			code = "invalid_dispute_id"
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   code,
			"message": "ID must be a positive integer",
		})
		return 0, false
	}
	return id, true
}
