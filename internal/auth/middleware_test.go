package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminAddr = "0xadmin0000000000000000000000000000000001"

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore(), []string{adminAddr}, "ops-secret")
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "0xTraderABC", "test-key")
	return mgr, rawKey, key
}

func testContext(rawKey string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	if rawKey != "" {
		c.Request.Header.Set("Authorization", rawKey)
	}
	return c, w
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := testContext(rawKey)
	Middleware(mgr)(c)

	addr, exists := c.Get(ContextKeyAddress)
	if !exists {
		t.Fatal("Expected address to be set in context")
	}
	if addr.(string) != "0xtraderabc" {
		t.Errorf("Expected 0xtraderabc, got %s", addr.(string))
	}

	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		t.Fatal("Expected API key to be set in context")
	}
	if key.(*APIKey).Name != "test-key" {
		t.Errorf("Expected key name 'test-key', got %s", key.(*APIKey).Name)
	}

	if role := c.GetString(ContextKeyRole); role != RoleUser {
		t.Errorf("Expected role user, got %s", role)
	}
}

func TestMiddleware_AdminKey_SetsAdminRole(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()
	rawKey, _, _ := mgr.GenerateKey(context.Background(), adminAddr, "admin-key")

	c, _ := testContext(rawKey)
	Middleware(mgr)(c)

	if role := c.GetString(ContextKeyRole); role != RoleAdmin {
		t.Errorf("Expected role admin, got %s", role)
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := testContext("")
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if _, exists := c.Get(ContextKeyAddress); !exists {
		t.Error("Expected address set via X-API-Key header")
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c, w := testContext("pk_invalidkey000000000000000000000000000000000000000000000000000000")
	Middleware(mgr)(c)

	if _, exists := c.Get(ContextKeyAPIKey); exists {
		t.Error("Expected API key NOT to be set for invalid key")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid key")
	}
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 (pass-through), got %d", w.Code)
	}
}

func TestMiddleware_MissingHeader_PassesThrough(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c, _ := testContext("")
	Middleware(mgr)(c)

	if _, exists := c.Get(ContextKeyAPIKey); exists {
		t.Error("Expected no API key in context when header missing")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort when header missing")
	}
}

func TestMiddleware_RevokedKey_DoesNotSetContext(t *testing.T) {
	mgr, rawKey, key := setupMiddlewareTest()
	_ = mgr.RevokeKey(context.Background(), key.ID, "0xTraderABC")

	c, _ := testContext(rawKey)
	Middleware(mgr)(c)

	if _, exists := c.Get(ContextKeyAPIKey); exists {
		t.Error("Expected revoked key NOT to set context")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort on revoked key")
	}
}

// --- RequireAuth() ---

func TestRequireAuth_Authenticated_Passes(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := testContext(rawKey)
	Middleware(mgr)(c)
	RequireAuth()(c)

	if c.IsAborted() {
		t.Error("RequireAuth should pass for valid key")
	}
}

func TestRequireAuth_Unauthenticated_Aborts(t *testing.T) {
	c, w := testContext("")
	RequireAuth()(c)

	if !c.IsAborted() {
		t.Error("RequireAuth should abort without key")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

// --- RequireOwnership() ---

func ownershipContext(t *testing.T, mgr *Manager, rawKey, paramAddr string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	c, w := testContext(rawKey)
	c.Params = gin.Params{{Key: "address", Value: paramAddr}}
	Middleware(mgr)(c)
	return c, w
}

func TestRequireOwnership_Owner_Passes(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := ownershipContext(t, mgr, rawKey, "0xTraderABC")
	RequireOwnership("address")(c)

	if c.IsAborted() {
		t.Error("Owner should pass ownership check")
	}
}

func TestRequireOwnership_NonOwner_Forbidden(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, w := ownershipContext(t, mgr, rawKey, "0xSomeoneElse")
	RequireOwnership("address")(c)

	if !c.IsAborted() {
		t.Error("Non-owner should be rejected")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRequireOwnership_Admin_Passes(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()
	rawKey, _, _ := mgr.GenerateKey(context.Background(), adminAddr, "admin-key")

	c, _ := ownershipContext(t, mgr, rawKey, "0xSomeoneElse")
	RequireOwnership("address")(c)

	if c.IsAborted() {
		t.Error("Admin should pass ownership check for any address")
	}
}

func TestRequireOwnership_Unauthenticated_Aborts(t *testing.T) {
	c, w := testContext("")
	c.Params = gin.Params{{Key: "address", Value: "0xTraderABC"}}
	RequireOwnership("address")(c)

	if !c.IsAborted() {
		t.Error("Unauthenticated should be rejected")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

// --- RequireAdmin() ---

func TestRequireAdmin_AdminKey_Passes(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()
	rawKey, _, _ := mgr.GenerateKey(context.Background(), adminAddr, "admin-key")

	c, _ := testContext(rawKey)
	Middleware(mgr)(c)
	RequireAdmin(mgr)(c)

	if c.IsAborted() {
		t.Error("Admin key should pass RequireAdmin")
	}
}

func TestRequireAdmin_UserKey_Forbidden(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, w := testContext(rawKey)
	Middleware(mgr)(c)
	RequireAdmin(mgr)(c)

	if !c.IsAborted() {
		t.Error("User key should be rejected by RequireAdmin")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRequireAdmin_Secret_Passes(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c, _ := testContext("")
	c.Request.Header.Set("X-Admin-Secret", "ops-secret")
	RequireAdmin(mgr)(c)

	if c.IsAborted() {
		t.Error("Correct admin secret should pass RequireAdmin")
	}
	if !IsAdmin(c) {
		t.Error("Admin secret should set the admin role")
	}
}

func TestRequireAdmin_WrongSecret_Forbidden(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c, w := testContext("")
	c.Request.Header.Set("X-Admin-Secret", "guess")
	RequireAdmin(mgr)(c)

	if !c.IsAborted() {
		t.Error("Wrong admin secret should be rejected")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRequireAdmin_NoSecretConfigured_HeaderIgnored(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil, "")

	c, _ := testContext("")
	c.Request.Header.Set("X-Admin-Secret", "")
	RequireAdmin(mgr)(c)

	if !c.IsAborted() {
		t.Error("Empty configured secret should never grant admin")
	}
}

// --- helpers ---

func TestGetAuthenticatedAddress(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := testContext(rawKey)
	Middleware(mgr)(c)

	if got := GetAuthenticatedAddress(c); got != "0xtraderabc" {
		t.Errorf("Expected 0xtraderabc, got %q", got)
	}

	c2, _ := testContext("")
	if got := GetAuthenticatedAddress(c2); got != "" {
		t.Errorf("Expected empty address when unauthenticated, got %q", got)
	}
}
