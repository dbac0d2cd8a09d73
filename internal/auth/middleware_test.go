package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "m-abc", "test-key")
	return mgr, rawKey, key
}

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", rawKey)

	Middleware(mgr)(c)

	if got := GetMerchantID(c); got != "m-abc" {
		t.Errorf("Expected m-abc, got %q", got)
	}
	key, ok := GetAPIKey(c)
	if !ok {
		t.Fatal("Expected API key to be set in context")
	}
	if key.Name != "test-key" {
		t.Errorf("Expected key name 'test-key', got %s", key.Name)
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if got := GetMerchantID(c); got != "m-abc" {
		t.Errorf("Expected m-abc, got %q", got)
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "sk_invalid")

	Middleware(mgr)(c)

	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid key")
	}
	if GetMerchantID(c) != "" {
		t.Error("Merchant should not be set for invalid key")
	}
}

func TestMiddleware_RevokedKey_DoesNotSetContext(t *testing.T) {
	mgr, rawKey, key := setupMiddlewareTest()
	if err := mgr.RevokeKey(context.Background(), key.ID, "m-abc"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", rawKey)

	Middleware(mgr)(c)

	if _, ok := GetAPIKey(c); ok {
		t.Error("Revoked key should not authenticate")
	}
}

func TestRequireAuth_NoAuth_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	RequireAuth()(c)

	if !c.IsAborted() {
		t.Error("Expected request to be aborted")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "unauthorized" {
		t.Errorf("Expected error 'unauthorized', got %q", body["error"])
	}
}

func TestRequireAuth_WithAuth_Passes(t *testing.T) {
	_, _, key := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Set(ContextKeyAPIKey, key)

	RequireAuth()(c)

	if c.IsAborted() {
		t.Error("Authenticated request should pass")
	}
}

func TestHandler_Me(t *testing.T) {
	mgr, rawKey, key := setupMiddlewareTest()
	r := gin.New()
	group := r.Group("/v1", Middleware(mgr), RequireAuth())
	NewHandler(mgr).RegisterProtectedRoutes(group)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["merchantId"] != "m-abc" || body["keyId"] != key.ID {
		t.Errorf("Unexpected body %v", body)
	}
	if _, leaked := body["hash"]; leaked {
		t.Error("Key hash must not be exposed")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auth/keys", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected key management to be unmounted, got %d", w.Code)
	}
}

func TestGetMerchantID_Missing(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	if GetMerchantID(c) != "" {
		t.Error("Expected empty merchant for anonymous request")
	}
}
