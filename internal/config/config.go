// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/loyaltyhub/antifraud/internal/alerts"
	"github.com/loyaltyhub/antifraud/internal/antifraud"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Alert channels. Each one is enabled by its address.
	RedisURL           string
	AlertRedisChannel  string
	KafkaBrokers       []string
	AlertKafkaTopic    string
	AlertWebhookURL    string
	AlertWebhookSecret string
	AlertMinSeverity   alerts.Severity

	// Antifraud
	GuardEnabled  bool
	MaxDistanceKm float64
	Limits        antifraud.DefaultLimits

	// Merchant API keys provisioned at startup, "merchant:sk_..." pairs
	MerchantAPIKeys map[string][]string

	// Browser origins of merchant back offices allowed to call the API
	CORSAllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultAlertRedisChannel = "antifraud:alerts"
	DefaultAlertKafkaTopic   = "antifraud.alerts"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	severity, err := alerts.ParseSeverity(os.Getenv("ALERT_MIN_SEVERITY"))
	if err != nil {
		return nil, err
	}
	keys, err := parseAPIKeys(os.Getenv("MERCHANT_API_KEYS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:           os.Getenv("REDIS_URL"),
		AlertRedisChannel:  getEnv("ALERT_REDIS_CHANNEL", DefaultAlertRedisChannel),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		AlertKafkaTopic:    getEnv("ALERT_KAFKA_TOPIC", DefaultAlertKafkaTopic),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		AlertMinSeverity:   severity,
		GuardEnabled:       guardEnabled(os.Getenv("ANTIFRAUD_GUARD")),
		MaxDistanceKm:      getEnvFloat("AF_MAX_DISTANCE_KM", antifraud.DefaultMaxDistanceKm),
		Limits:             loadLimits(),
		MerchantAPIKeys:    keys,
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is well formed
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if _, err := alerts.ParseSeverity(string(c.AlertMinSeverity)); err != nil {
		return fmt.Errorf("ALERT_MIN_SEVERITY: %w", err)
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required for webhook alerts in production")
	}
	if c.IsProduction() && slices.Contains(c.CORSAllowedOrigins, "*") {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS must list origins in production, not *")
	}
	if c.MaxDistanceKm <= 0 {
		return fmt.Errorf("AF_MAX_DISTANCE_KM must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// loadLimits builds the platform limits from AF_* variables on top of the
// compiled defaults. Non-positive values keep the default.
func loadLimits() antifraud.DefaultLimits {
	d := antifraud.CompiledDefaults()
	scope := func(name string, l *antifraud.ScopeLimit) {
		l.Limit = getEnvPositive("AF_LIMIT_"+name, l.Limit)
		l.WindowSec = getEnvPositive("AF_WINDOW_"+name+"_SEC", l.WindowSec)
		l.DailyCap = getEnvPositive("AF_DAILY_CAP_"+name, l.DailyCap)
		l.WeeklyCap = getEnvPositive("AF_WEEKLY_CAP_"+name, l.WeeklyCap)
	}
	scope("MERCHANT", &d.Merchant)
	scope("OUTLET", &d.Outlet)
	scope("STAFF", &d.Staff)
	scope("CUSTOMER", &d.Customer.ScopeLimit)
	d.Customer.MonthlyCap = getEnvPositive("AF_MONTHLY_CAP_CUSTOMER", d.Customer.MonthlyCap)
	d.Customer.PointsCap = getEnvPositive("AF_POINTS_CAP_CUSTOMER", d.Customer.PointsCap)
	d.Customer.BlockDaily = getEnvBool("AF_BLOCK_DAILY_CUSTOMER", d.Customer.BlockDaily)
	return d.Sanitize()
}

func guardEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "off", "0", "false", "no":
		return false
	}
	return true
}

// parseAPIKeys reads "m1:sk_a,m1:sk_b,m2:sk_c".
func parseAPIKeys(v string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, pair := range splitList(v) {
		merchant, key, ok := strings.Cut(pair, ":")
		merchant, key = strings.TrimSpace(merchant), strings.TrimSpace(key)
		if !ok || merchant == "" || !strings.HasPrefix(key, "sk_") {
			return nil, fmt.Errorf("MERCHANT_API_KEYS: malformed entry %q, want merchant:sk_...", pair)
		}
		out[merchant] = append(out[merchant], key)
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvPositive(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
