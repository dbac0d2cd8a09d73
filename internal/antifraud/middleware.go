package antifraud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/loyaltyhub/antifraud/internal/logging"
)

// ContextKeyResult is the gin context key of the evaluation result.
const ContextKeyResult = "antifraudResult"

// maxBodyBytes bounds how much of a request body the middleware inspects.
const maxBodyBytes = 1 << 20

type tenantKey struct{}

// WithTenant marks ctx with the authenticated merchant. Gated requests
// carrying it may only touch that merchant's operations and holds.
func WithTenant(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, merchantID)
}

// TenantFrom returns the merchant set by WithTenant, or "".
func TenantFrom(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// Middleware gates loyalty commit and refund routes (POST paths containing
// /loyalty/commit or ending in /commit, same for refund). Every other
// request passes untouched. Blocks abort with 429 or 403 and a JSON error.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.enabled {
			c.Next()
			return
		}
		kind, ok := operationKind(c.Request.Method, routePath(c))
		if !ok {
			c.Next()
			return
		}

		req := requestFromHTTP(c, kind)
		ctx := c.Request.Context()
		if id := c.GetHeader("X-Request-ID"); id != "" && logging.RequestID(ctx) == "" {
			ctx = logging.WithRequestID(ctx, id)
		}

		res, err := g.Evaluate(ctx, req)
		var blk *BlockError
		if errors.As(err, &blk) {
			code := "blocked"
			switch blk.Kind {
			case BlockVelocity:
				code = "rate_limited"
			case BlockTenant:
				code = "forbidden"
			}
			c.AbortWithStatusJSON(blk.HTTPStatus(), gin.H{
				"error":   code,
				"message": blk.Error(),
			})
			return
		}
		c.Set(ContextKeyResult, res)
		c.Next()
	}
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

func operationKind(method, path string) (OperationKind, bool) {
	if method != http.MethodPost {
		return "", false
	}
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "/loyalty/commit") || strings.HasSuffix(p, "/commit"):
		return KindCommit, true
	case strings.Contains(p, "/loyalty/refund") || strings.HasSuffix(p, "/refund"):
		return KindRefund, true
	}
	return "", false
}

// requestFromHTTP collects the operation fields from the JSON body, the
// route params and the query string, in that order of precedence. The
// body is restored for the downstream handler.
func requestFromHTTP(c *gin.Context, kind OperationKind) *Request {
	body := readBody(c)
	field := func(name string, params bool) string {
		if v := asString(body[name]); v != "" {
			return v
		}
		if !params {
			return ""
		}
		if v := strings.TrimSpace(c.Param(name)); v != "" {
			return v
		}
		return strings.TrimSpace(c.Query(name))
	}

	req := &Request{
		Kind:          kind,
		MerchantID:    field("merchantId", true),
		CustomerID:    field("customerId", false),
		OutletID:      field("outletId", true),
		StaffID:       field("staffId", false),
		DeviceCode:    field("deviceId", true),
		TransactionID: firstNonEmpty(field("transactionId", false), field("orderId", false)),
		Type:          OperationType(strings.ToUpper(firstNonEmpty(field("mode", false), field("type", false)))),
		IPAddress:     c.ClientIP(),
		UserAgent:     c.GetHeader("User-Agent"),
		Location:      asGeoPoint(body["location"]),
		Tenant:        TenantFrom(c.Request.Context()),
	}
	if kind == KindCommit {
		req.HoldID = field("holdId", false)
	}
	if amount, err := decimal.NewFromString(field("amount", false)); err == nil {
		req.Amount = amount
	}
	return req
}

func readBody(c *gin.Context) map[string]any {
	if c.Request.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	_ = c.Request.Body.Close()
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	return decodeObject(raw)
}

// BodyString decodes a JSON object and returns the named field the way the
// middleware reads it: strings trimmed, numbers in their literal form.
func BodyString(raw []byte, name string) string {
	return asString(decodeObject(raw)[name])
}

func decodeObject(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil
	}
	return body
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func asGeoPoint(v any) *GeoPoint {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	lat, errLat := decimal.NewFromString(asString(m["lat"]))
	lon, errLon := decimal.NewFromString(asString(m["lon"]))
	if errLat != nil || errLon != nil {
		return nil
	}
	return &GeoPoint{Lat: lat.InexactFloat64(), Lon: lon.InexactFloat64()}
}
