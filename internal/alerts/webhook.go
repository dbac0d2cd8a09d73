package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/loyaltyhub/antifraud/internal/circuitbreaker"
	"github.com/loyaltyhub/antifraud/internal/retry"
)

// Webhook headers.
const (
	HeaderKind      = "X-Loyalty-Alert-Kind"
	HeaderTimestamp = "X-Loyalty-Timestamp"
	HeaderSignature = "X-Loyalty-Signature"
)

// WebhookPublisher POSTs alerts as JSON to a fixed endpoint. Payloads are
// signed with HMAC-SHA256 when a secret is configured.
type WebhookPublisher struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

// WithHTTPClient overrides the default 10s-timeout client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.client = c }
}

// WithRetryPolicy overrides retry.DefaultPolicy.
func WithRetryPolicy(policy retry.Policy) WebhookOption {
	return func(p *WebhookPublisher) { p.policy = policy }
}

// WithBreaker overrides the default breaker (5 failures, 30s open).
func WithBreaker(b *circuitbreaker.Breaker) WebhookOption {
	return func(p *WebhookPublisher) { p.breaker = b }
}

// NewWebhookPublisher creates a webhook channel for url.
func NewWebhookPublisher(url, secret string, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithName("webhook")),
		policy:  retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *WebhookPublisher) Name() string { return "webhook" }

func (p *WebhookPublisher) Publish(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerts: marshal alert: %w", err)
	}
	err = p.breaker.Execute(p.url, func() error {
		return p.policy.Do(ctx, func(ctx context.Context) error {
			return p.send(ctx, a, payload)
		})
	})
	return err
}

func (p *WebhookPublisher) send(ctx context.Context, a *Alert, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("alerts: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderKind, string(a.Kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(a.At.Unix(), 10))
	if p.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerts: webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		err := fmt.Errorf("alerts: webhook status %d", resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(err, time.Duration(secs)*time.Second)
		}
		return err
	default:
		return retry.Permanent(fmt.Errorf("alerts: webhook status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), expected)
}
