// Package server sets up the HTTP server with all routes
package server

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/loyaltyhub/antifraud/internal/alerts"
	"github.com/loyaltyhub/antifraud/internal/antifraud"
	"github.com/loyaltyhub/antifraud/internal/auth"
	"github.com/loyaltyhub/antifraud/internal/config"
	"github.com/loyaltyhub/antifraud/internal/health"
	"github.com/loyaltyhub/antifraud/internal/idgen"
	"github.com/loyaltyhub/antifraud/internal/logging"
	"github.com/loyaltyhub/antifraud/internal/merchants"
	"github.com/loyaltyhub/antifraud/internal/metrics"
	"github.com/loyaltyhub/antifraud/internal/ratelimit"
	"github.com/loyaltyhub/antifraud/internal/security"
	"github.com/loyaltyhub/antifraud/internal/traces"
	"github.com/loyaltyhub/antifraud/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	version   string
	db        *sql.DB // nil if using in-memory
	memory    *antifraud.MemoryStore
	settings  merchants.Store
	authMgr   *auth.Manager
	guard     *antifraud.Guard
	reviewer  *antifraud.Reviewer
	redis     redis.UniversalClient
	kafka     *alerts.KafkaPublisher
	extra     []alerts.Publisher
	health    *health.Registry
	limiter   *ratelimit.Limiter
	urlPolicy *security.URLPolicy
	router    *gin.Engine
	httpSrv   *http.Server
	logger    *slog.Logger
	now       func() time.Time
	drain     time.Duration

	stopTracing  func(context.Context) error
	unregisterDB func()
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithMemoryStore uses the given in-memory operation store when no
// DATABASE_URL is configured (for testing).
func WithMemoryStore(m *antifraud.MemoryStore) Option {
	return func(s *Server) {
		s.memory = m
	}
}

// WithAlertPublisher adds an alert channel next to the configured ones.
func WithAlertPublisher(p alerts.Publisher) Option {
	return func(s *Server) {
		s.extra = append(s.extra, p)
	}
}

// WithClock replaces time.Now in the decision engine.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithDrainPeriod sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainPeriod(d time.Duration) Option {
	return func(s *Server) {
		s.drain = d
	}
}

// WithURLPolicy overrides the alert webhook URL policy.
func WithURLPolicy(p security.URLPolicy) Option {
	return func(s *Server) {
		s.urlPolicy = &p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
		now:     time.Now,
		drain:   5 * time.Second,
	}

	// Apply options first (may set logger/stores)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	deps, err := s.initStorage(ctx)
	if err != nil {
		s.closeResources()
		return nil, err
	}

	publishers, err := s.initAlerts(ctx)
	if err != nil {
		s.closeResources()
		return nil, err
	}
	deps.Publishers = publishers

	s.guard = antifraud.NewGuard(deps,
		antifraud.WithLogger(s.logger),
		antifraud.WithClock(s.now),
		antifraud.WithDefaultLimits(cfg.Limits),
		antifraud.WithMaxDistanceKm(cfg.MaxDistanceKm),
		antifraud.WithEnabled(cfg.GuardEnabled),
	)
	s.reviewer = antifraud.NewReviewer(deps.Operations, deps.Audit, s.now)
	if !cfg.GuardEnabled {
		s.logger.Warn("antifraud guard disabled, every operation is allowed")
	}

	if err := s.provisionKeys(ctx); err != nil {
		s.closeResources()
		return nil, err
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage picks Postgres when DATABASE_URL is set, otherwise in-memory
// stores.
func (s *Server) initStorage(ctx context.Context) (antifraud.Deps, error) {
	if s.cfg.DatabaseURL == "" {
		if s.memory == nil {
			s.memory = antifraud.NewMemoryStore()
		}
		s.settings = merchants.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
		return antifraud.Deps{
			Operations: s.memory,
			Settings:   s.settings,
			Blacklist:  s.memory,
			Holds:      s.memory,
			Devices:    s.memory,
			Audit:      s.memory,
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return antifraud.Deps{}, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return antifraud.Deps{}, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.unregisterDB = metrics.RegisterDB(db, "antifraud")
	s.health.Register("database", health.Database(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	store := antifraud.NewPostgresStore(db)
	s.settings = merchants.NewPostgresStore(db)
	s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
	return antifraud.Deps{
		Operations: store,
		Settings:   s.settings,
		Blacklist:  store,
		Holds:      store,
		Devices:    store,
		Audit:      store,
	}, nil
}

// initAlerts builds the alert channels. The log channel is always on; the
// others are enabled by their address. Every channel is gated by
// ALERT_MIN_SEVERITY.
func (s *Server) initAlerts(ctx context.Context) ([]antifraud.AlertPublisher, error) {
	channels := []alerts.Publisher{alerts.NewLogPublisher(s.logger)}

	if s.cfg.AlertWebhookURL != "" {
		policy := security.DevelopmentPolicy()
		if s.cfg.IsProduction() {
			policy = security.ProductionPolicy()
		}
		if s.urlPolicy != nil {
			policy = *s.urlPolicy
		}
		if err := policy.Check(ctx, s.cfg.AlertWebhookURL); err != nil {
			return nil, fmt.Errorf("ALERT_WEBHOOK_URL rejected: %w", err)
		}
		channels = append(channels, alerts.NewWebhookPublisher(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret))
		s.logger.Info("webhook alerts enabled")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		s.health.Register("redis", health.Redis(s.redis))
		channels = append(channels, alerts.NewRedisPublisher(s.redis, s.cfg.AlertRedisChannel))
		s.logger.Info("redis alerts enabled", "channel", s.cfg.AlertRedisChannel)
	}

	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = alerts.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.AlertKafkaTopic)
		channels = append(channels, s.kafka)
		s.logger.Info("kafka alerts enabled", "topic", s.cfg.AlertKafkaTopic)
	}

	channels = append(channels, s.extra...)

	out := make([]antifraud.AlertPublisher, len(channels))
	for i, ch := range channels {
		out[i] = alerts.WithMinSeverity(alerts.Instrument(ch), s.cfg.AlertMinSeverity)
	}
	return out, nil
}

// provisionKeys imports the merchant API keys from configuration.
func (s *Server) provisionKeys(ctx context.Context) error {
	for merchantID, keys := range s.cfg.MerchantAPIKeys {
		for _, raw := range keys {
			if _, err := s.authMgr.Import(ctx, merchantID, raw, "provisioned"); err != nil {
				return fmt.Errorf("failed to provision API key for %s: %w", merchantID, err)
			}
		}
	}
	if len(s.cfg.MerchantAPIKeys) > 0 {
		s.logger.Info("merchant API keys provisioned", "merchants", len(s.cfg.MerchantAPIKeys))
	}
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	}
	s.router.Use(validation.LimitBody(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsIdentifier(requestID) {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Request.Header.Set("X-Request-ID", requestID)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if merchant := auth.GetMerchantID(c); merchant != "" {
			attrs = append(attrs, "merchant", merchant)
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// merchantScope keeps a merchant key on its own data: the merchantId of a
// gated loyalty request must be the authenticated merchant. A missing id
// is filled in from the key, and the guard refuses holds of other merchants.
func merchantScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		merchantID := auth.GetMerchantID(c)
		ctx := logging.WithMerchant(c.Request.Context(), merchantID)
		c.Request = c.Request.WithContext(antifraud.WithTenant(ctx, merchantID))

		var bodyID string
		if c.Request.Body != nil {
			raw, err := io.ReadAll(c.Request.Body)
			_ = c.Request.Body.Close()
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "request_too_large",
					"message": "Request body exceeds the size limit",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(raw))
			bodyID = antifraud.BodyString(raw, "merchantId")
		}

		for _, id := range []string{bodyID, strings.TrimSpace(c.Query("merchantId"))} {
			if id != "" && id != merchantID {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "API key does not belong to merchant " + id,
				})
				return
			}
		}
		if c.Query("merchantId") == "" {
			q := c.Request.URL.Query()
			q.Set("merchantId", merchantID)
			c.Request.URL.RawQuery = q.Encode()
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	protected := v1.Group("", auth.Middleware(s.authMgr), auth.RequireAuth())

	// Gated loyalty operations. The guard middleware decides; a request that
	// reaches the handler is allowed.
	loyalty := protected.Group("/loyalty", merchantScope(), s.guard.Middleware())
	loyalty.POST("/commit", s.decisionHandler)
	loyalty.POST("/refund", s.decisionHandler)

	// Review API, throttled per merchant
	s.limiter = ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithKeyFunc(func(c *gin.Context) string {
		if m := auth.GetMerchantID(c); m != "" {
			return "merchant:" + m
		}
		return ""
	}))
	review := protected.Group("", s.limiter.Middleware())
	antifraud.NewHandler(s.guard, s.reviewer, s.settings, s.logger).RegisterProtectedRoutes(review)
	auth.NewHandler(s.authMgr).RegisterProtectedRoutes(review)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// DecisionResponse is returned by the gated loyalty routes.
type DecisionResponse struct {
	Decision string            `json:"decision"`
	Guard    string            `json:"guard"`
	Result   *antifraud.Result `json:"result,omitempty"`
}

func (s *Server) decisionHandler(c *gin.Context) {
	resp := DecisionResponse{Decision: "allow", Guard: "on"}
	if !s.guard.Enabled() {
		resp.Guard = "off"
	}
	if v, ok := c.Get(antifraud.ContextKeyResult); ok {
		resp.Result, _ = v.(*antifraud.Result)
	}
	c.JSON(http.StatusOK, resp)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Guard     bool            `json:"guard"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Guard:     s.guard.Enabled(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"guard", s.guard.Enabled(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
			s.ready.Store(true)
			s.logger.Info("server ready")
		case <-runCtx.Done():
		}
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight audit writes and alert
// deliveries are flushed before the stores close.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drain)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Wait for queued audit records and alerts
	s.guard.Sink().Flush()
	s.logger.Info("antifraud sink flushed")

	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.closeResources()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeResources releases clients and pools. Each is closed once.
func (s *Server) closeResources() {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
		s.kafka = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
		cancel()
		s.stopTracing = nil
	}

	// Close database connection pool
	if s.unregisterDB != nil {
		s.unregisterDB()
		s.unregisterDB = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Guard returns the decision engine.
func (s *Server) Guard() *antifraud.Guard {
	return s.guard
}

// Settings returns the merchant settings store.
func (s *Server) Settings() merchants.Store {
	return s.settings
}
