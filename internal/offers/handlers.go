package offers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/auth"
	"github.com/peertradehq/peertrade/internal/logging"
	"github.com/peertradehq/peertrade/internal/validation"
)

// Handler provides HTTP handlers for the offer directory
type Handler struct {
	service *Service
}

// NewHandler creates an offers handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up directory routes. Browsing is public; creating
// and deactivating require an authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:offerId", h.GetOffer)
	r.POST("/offers", auth.RequireAuth(), h.CreateOffer)
	r.DELETE("/offers/:offerId", auth.RequireAuth(), h.DeactivateOffer)
}

// CreateOfferRequest is the payload for posting an offer
type CreateOfferRequest struct {
	FiatCurrency   string `json:"fiatCurrency" binding:"required"`
	CryptoCurrency string `json:"cryptoCurrency" binding:"required"`
	Price          string `json:"price" binding:"required"`
	MinAmount      string `json:"minAmount" binding:"required"`
	MaxAmount      string `json:"maxAmount" binding:"required"`
	Terms          string `json:"terms,omitempty"`
}

// CreateOffer handles POST /offers
func (h *Handler) CreateOffer(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidCurrency("fiatCurrency", req.FiatCurrency),
		validation.ValidCryptoCode("cryptoCurrency", req.CryptoCurrency),
		validation.ValidAmount("price", req.Price),
		validation.ValidAmount("minAmount", req.MinAmount),
		validation.ValidAmount("maxAmount", req.MaxAmount),
		validation.MaxLength("terms", req.Terms, validation.MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	price, _ := decimal.NewFromString(req.Price)
	minAmt, _ := decimal.NewFromString(req.MinAmount)
	maxAmt, _ := decimal.NewFromString(req.MaxAmount)

	offer, err := h.service.Create(ctx, auth.GetAuthenticatedAddress(c), &Offer{
		FiatCurrency:   req.FiatCurrency,
		CryptoCurrency: req.CryptoCurrency,
		Price:          price,
		MinAmount:      minAmt,
		MaxAmount:      maxAmt,
		Terms:          req.Terms,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidBounds) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_bounds",
				"message": "minAmount must not exceed maxAmount",
			})
			return
		}
		logger.Error("failed to create offer", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create offer",
		})
		return
	}

	logger.Info("offer created",
		"offer_id", offer.ID,
		"owner", offer.Owner,
		"pair", offer.CryptoCurrency+"/"+offer.FiatCurrency,
	)

	c.JSON(http.StatusCreated, offer)
}

// GetOffer handles GET /offers/:offerId
func (h *Handler) GetOffer(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("offerId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_offer_id",
			"message": "offer id must be a positive integer",
		})
		return
	}

	offer, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Offer not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get offer",
		})
		return
	}

	c.JSON(http.StatusOK, offer)
}

// ListOffers handles GET /offers
func (h *Handler) ListOffers(c *gin.Context) {
	q := Query{
		Owner:          c.Query("owner"),
		FiatCurrency:   c.Query("fiatCurrency"),
		CryptoCurrency: c.Query("cryptoCurrency"),
		Limit:          parseIntQuery(c, "limit", 100),
		Offset:         parseIntQuery(c, "offset", 0),
	}

	if activeStr := c.Query("active"); activeStr != "" {
		active := activeStr == "true"
		q.Active = &active
	}

	offers, err := h.service.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list offers",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offers": offers,
		"count":  len(offers),
	})
}

// DeactivateOffer handles DELETE /offers/:offerId
func (h *Handler) DeactivateOffer(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	id, err := strconv.ParseInt(c.Param("offerId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_offer_id",
			"message": "offer id must be a positive integer",
		})
		return
	}

	offer, err := h.service.Deactivate(ctx, auth.GetAuthenticatedAddress(c), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrOfferNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Offer not found",
			})
		case errors.Is(err, ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this offer",
			})
		default:
			logger.Error("failed to deactivate offer", "offer_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to deactivate offer",
			})
		}
		return
	}

	logger.Info("offer deactivated", "offer_id", id, "owner", offer.Owner)

	c.JSON(http.StatusOK, offer)
}

func parseIntQuery(c *gin.Context, name string, def int) int {
	s := c.Query(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
