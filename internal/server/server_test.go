package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loyaltyhub/antifraud/internal/alerts"
	"github.com/loyaltyhub/antifraud/internal/antifraud"
	"github.com/loyaltyhub/antifraud/internal/config"
	"github.com/loyaltyhub/antifraud/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	keyM1 = "sk_server_test_m1"
	keyM2 = "sk_server_test_m2"
)

// Thursday 09:00 UTC, 12:00 in the default merchant zone.
var testNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "text",
		AlertMinSeverity: alerts.SeverityInfo,
		GuardEnabled:     true,
		MaxDistanceKm:    antifraud.DefaultMaxDistanceKm,
		Limits:           antifraud.CompiledDefaults(),
		MerchantAPIKeys: map[string][]string{
			"m1": {keyM1},
			"m2": {keyM2},
		},
	}
}

type testServer struct {
	*Server
	store  *antifraud.MemoryStore
	alerts *alerts.MemoryPublisher
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	ts := &testServer{store: antifraud.NewMemoryStore(), alerts: alerts.NewMemoryPublisher()}
	s, err := New(cfg,
		WithLogger(logging.Discard()),
		WithMemoryStore(ts.store),
		WithAlertPublisher(ts.alerts),
		WithClock(func() time.Time { return testNow }),
		WithDrainPeriod(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	ts.Server = s
	return ts
}

func (ts *testServer) do(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const commitBody = `{"customerId":"c1","outletId":"o1","staffId":"s1","deviceId":"pos-1","amount":100,"mode":"earn","orderId":"ord-1"}`

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, true, out["guard"])

	w = ts.do(http.MethodGet, "/health/live", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")
}

func TestHealth_DegradedWhenRedisUnreachable(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.RedisURL = "redis://127.0.0.1:1/0" })

	w := ts.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	out := decode(t, w)
	assert.Equal(t, "degraded", out["status"])
	checks := out["checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, "redis", checks[0].(map[string]any)["name"])
}

func TestMiddleware_SecurityHeadersAndRequestID(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health/live", "", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-123")
	w = httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	assert.Equal(t, "lb-123", w.Header().Get("X-Request-ID"))
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.CORSAllowedOrigins = []string{"https://backoffice.example.com/"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/antifraud/stats", nil)
	req.Header.Set("Origin", "https://backoffice.example.com")
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://backoffice.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/v1/loyalty/commit", keyM1, commitBody)

	w := ts.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "loyalty_http_requests_total")
	assert.Contains(t, w.Body.String(), "loyalty_antifraud_check_total")
}

func TestLoyaltyCommit_RequiresAPIKey(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/v1/loyalty/commit", "", commitBody)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/v1/loyalty/commit", "sk_unknown", commitBody)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoyaltyCommit_Allowed(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/v1/loyalty/commit", keyM1, commitBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "allow", out["decision"])
	assert.Equal(t, "on", out["guard"])
	result := out["result"].(map[string]any)
	assert.Equal(t, true, result["allowed"])

	ts.Guard().Sink().Flush()
	checks, err := ts.store.ListByCustomer(t.Context(), "m1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "ord-1", checks[0].TransactionID)
}

func TestLoyaltyCommit_BlacklistedCustomerBlocked(t *testing.T) {
	ts := newTestServer(t)
	ts.store.SetBlacklisted("m1", "c1", true)

	w := ts.do(http.MethodPost, "/v1/loyalty/commit", keyM1, commitBody)
	require.Equal(t, http.StatusForbidden, w.Code)
	out := decode(t, w)
	assert.Equal(t, "blocked", out["error"])
	assert.Contains(t, out["message"], "CRITICAL")

	ts.Guard().Sink().Flush()
	sent := ts.alerts.Alerts()
	require.Len(t, sent, 1)
	assert.Equal(t, alerts.SeverityCritical, sent[0].Severity)
	assert.Equal(t, "m1", sent[0].MerchantID)
}

func TestLoyaltyCommit_ScopedToKeyMerchant(t *testing.T) {
	ts := newTestServer(t)
	ts.store.SetBlacklisted("m1", "c1", true)

	body := `{"merchantId":"m1","customerId":"c1","outletId":"o1","amount":100}`
	w := ts.do(http.MethodPost, "/v1/loyalty/commit", keyM2, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode(t, w)["error"])

	w = ts.do(http.MethodPost, "/v1/loyalty/commit?merchantId=m1", keyM2, commitBody)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// m2's own customer c1 is not blacklisted.
	w = ts.do(http.MethodPost, "/v1/loyalty/commit", keyM2, commitBody)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoyaltyCommit_NumericMerchantIDScoped(t *testing.T) {
	ts := newTestServer(t)

	body := `{"merchantId":42,"customerId":"c1","outletId":"o1","amount":100}`
	w := ts.do(http.MethodPost, "/v1/loyalty/commit", keyM1, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode(t, w)["error"])

	ts.Guard().Sink().Flush()
	assert.Empty(t, ts.store.Records())
}

func TestLoyaltyCommit_ForeignHoldRefused(t *testing.T) {
	ts := newTestServer(t)
	ts.store.PutHold(&antifraud.Hold{
		ID: "h-m2", MerchantID: "m2", CustomerID: "victim", OutletID: "o2",
		Mode: antifraud.TypeEarn, EarnPoints: decimal.NewFromInt(50),
	})

	w := ts.do(http.MethodPost, "/v1/loyalty/commit", keyM1, `{"holdId":"h-m2"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	out := decode(t, w)
	assert.Equal(t, "forbidden", out["error"])
	assert.Nil(t, out["result"])

	ts.Guard().Sink().Flush()
	assert.Empty(t, ts.store.Records())
	assert.Empty(t, ts.alerts.Alerts())

	// The owner may commit it.
	w = ts.do(http.MethodPost, "/v1/loyalty/commit", keyM2, `{"holdId":"h-m2","staffId":"s1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoyaltyRefund_VelocityLimited(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Limits.Outlet.Limit = 1 })
	ts.store.AddOperation(antifraud.OperationSummary{
		ID: "op-1", MerchantID: "m1", OutletID: "o1", CustomerID: "c9",
		Type: antifraud.TypeRedeem, CreatedAt: testNow.Add(-time.Minute),
	})

	w := ts.do(http.MethodPost, "/v1/loyalty/refund", keyM1, `{"outletId":"o1","orderId":"ord-9"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["error"])
}

func TestLoyaltyCommit_GuardOff(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.GuardEnabled = false })
	ts.store.SetBlacklisted("m1", "c1", true)

	w := ts.do(http.MethodPost, "/v1/loyalty/commit", keyM1, commitBody)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "off", out["guard"])
	assert.Nil(t, out["result"])
}

func TestReviewAPI_Mounted(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/v1/loyalty/commit", keyM1, commitBody)
	ts.Guard().Sink().Flush()

	w := ts.do(http.MethodGet, "/v1/antifraud/stats?days=1", keyM1, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["totalChecks"])

	w = ts.do(http.MethodGet, "/v1/antifraud/stats", keyM2, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["totalChecks"], "merchants see only their own checks")

	w = ts.do(http.MethodGet, "/v1/auth/me", keyM1, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_RejectsUnsafeWebhookInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AlertWebhookURL = "http://127.0.0.1:9000/hook"
	cfg.AlertWebhookSecret = "s3cret"

	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALERT_WEBHOOK_URL")
}

func TestNew_InvalidRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "::not a url"

	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestNew_MalformedProvisionedKey(t *testing.T) {
	cfg := testConfig()
	cfg.MerchantAPIKeys = map[string][]string{"m1": {"no-prefix"}}

	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
}

func TestShutdown_WithoutRun(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.KafkaBrokers = []string{"127.0.0.1:1"}
	})
	assert.NoError(t, ts.Shutdown())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://af:%2A%2A%2A@db:5432/antifraud", maskDSN("postgres://af:secret@db:5432/antifraud"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
