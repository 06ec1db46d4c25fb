package events

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peertradehq/peertrade/internal/pagination"
	"github.com/peertradehq/peertrade/internal/security"
)

// Each address may hold at most this many webhook subscriptions.
const maxSubscriptionsPerAddress = 10

// Handler provides HTTP endpoints for the event log, the websocket
// feed and webhook management
type Handler struct {
	store Store
	subs  SubscriptionStore
	hub   *Hub
}

// NewHandler creates a new events handler
func NewHandler(store Store, subs SubscriptionStore, hub *Hub) *Handler {
	return &Handler{
		store: store,
		subs:  subs,
		hub:   hub,
	}
}

// RegisterRoutes sets up the public event routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.ListEvents)
	r.GET("/events/types", h.ListEventTypes)
	r.GET("/ws", h.ServeWS)
}

// RegisterAccountRoutes sets up webhook management routes. The caller
// wraps these in ownership middleware so only the subscribing address
// (or an admin) can manage them.
func (h *Handler) RegisterAccountRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:address/webhooks", h.CreateWebhook)
	r.GET("/accounts/:address/webhooks", h.ListWebhooks)
	r.DELETE("/accounts/:address/webhooks/:webhookId", h.DeleteWebhook)
}

// ListEvents handles GET /events
func (h *Handler) ListEvents(c *gin.Context) {
	var f Filter

	if t := c.Query("type"); t != "" {
		f.Type = EventType(t)
		if !ValidEventType(f.Type) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_type",
				"message": "Unknown event type",
			})
			return
		}
	}

	if raw := c.Query("tradeId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_trade_id",
				"message": "tradeId must be a positive integer",
			})
			return
		}
		f.TradeID = id
	}

	f.Party = c.Query("party")

	limit := pagination.ParseLimit(c.Query("limit"))
	beforeID, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	evts, err := h.store.List(c.Request.Context(), f, beforeID, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list events",
		})
		return
	}

	page, next, more := pagination.ComputePage(evts, limit, func(e *Event) int64 { return e.ID })

	c.JSON(http.StatusOK, gin.H{
		"events":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// ListEventTypes handles GET /events/types
func (h *Handler) ListEventTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"types": AllEventTypes,
	})
}

// ServeWS handles GET /ws
func (h *Handler) ServeWS(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /accounts/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	address := c.Param("address")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateWebhookURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	// Empty events means all events; named events must exist.
	evts := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !ValidEventType(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		evts = append(evts, et)
	}

	existing, err := h.subs.GetByAddress(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= maxSubscriptionsPerAddress {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "too_many_webhooks",
			"message": "Subscription limit reached for this address",
		})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        generateID("wh_"),
		Address:   strings.ToLower(address),
		URL:       req.URL,
		Secret:    secret,
		Events:    evts,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.subs.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Peertrade-Signature",
		},
	})
}

// ListWebhooks handles GET /accounts/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	address := c.Param("address")

	subs, err := h.subs.GetByAddress(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":                  sub.ID,
			"url":                 sub.URL,
			"events":              sub.Events,
			"active":              sub.Active,
			"createdAt":           sub.CreatedAt,
			"lastSuccess":         sub.LastSuccess,
			"lastError":           sub.LastError,
			"consecutiveFailures": sub.ConsecutiveFailures,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": webhooks,
	})
}

// DeleteWebhook handles DELETE /accounts/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	address := c.Param("address")
	webhookID := c.Param("webhookId")

	sub, err := h.subs.Get(c.Request.Context(), webhookID)
	if err != nil || !strings.EqualFold(sub.Address, address) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}

	if err := h.subs.Delete(c.Request.Context(), webhookID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func generateID(prefix string) string {
	b := make([]byte, 12)
	rand.Read(b)
	return prefix + hex.EncodeToString(b)
}

func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
