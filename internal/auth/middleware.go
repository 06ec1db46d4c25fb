package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAddress is the key for the authenticated trader address.
	// The rate limiter keys buckets off this value.
	ContextKeyAddress = "address"
	// ContextKeyRole is the key for the caller role (user or admin)
	ContextKeyRole = "role"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey, address and role in context if valid. Soft: invalid or
// missing keys pass through unauthenticated, route guards decide.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAddress, key.Address)
				c.Set(ContextKeyRole, m.RoleFor(key.Address))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid key
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer pk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership requires auth AND that the caller owns the address in
// the named URL param. Admins pass regardless of ownership.
func RequireOwnership(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		targetAddr := c.Param(paramName)
		if !strings.EqualFold(key.Address, targetAddr) && !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this address.",
			})
			return
		}

		c.Next()
	}
}

// RequireAdmin gates admin routes. Passes on an admin-role key, or on a
// matching X-Admin-Secret header when a secret is configured.
func RequireAdmin(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) {
			c.Next()
			return
		}

		if secret := c.GetHeader("X-Admin-Secret"); secret != "" && m.adminSecret != "" {
			if subtle.ConstantTimeCompare([]byte(secret), []byte(m.adminSecret)) == 1 {
				c.Set(ContextKeyRole, RoleAdmin)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin access required.",
		})
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// GetAuthenticatedAddress returns the caller's trader address, or ""
func GetAuthenticatedAddress(c *gin.Context) string {
	return c.GetString(ContextKeyAddress)
}

// IsAuthenticated checks if the request carries a valid key
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

// IsAdmin checks if the caller holds the admin role
func IsAdmin(c *gin.Context) bool {
	return c.GetString(ContextKeyRole) == RoleAdmin
}
