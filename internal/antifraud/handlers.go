package antifraud

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/loyaltyhub/antifraud/internal/auth"
	"github.com/loyaltyhub/antifraud/internal/idgen"
	"github.com/loyaltyhub/antifraud/internal/merchants"
	"github.com/loyaltyhub/antifraud/internal/pagination"
	"github.com/loyaltyhub/antifraud/internal/syncutil"
	"github.com/loyaltyhub/antifraud/internal/validation"
)

// maxNotesLength bounds reviewer notes on feedback.
const maxNotesLength = 2000

// Handler provides the merchant review API: statistics, customer history,
// reviewer feedback, dry-run scoring and limiter resets.
type Handler struct {
	guard    *Guard
	reviewer *Reviewer
	settings merchants.Store
	resets   *syncutil.KeyedMutex
	now      func() time.Time
	logger   *slog.Logger
}

// NewHandler creates a review handler. settings may be nil, which disables
// limiter resets.
func NewHandler(guard *Guard, reviewer *Reviewer, settings merchants.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{guard: guard, reviewer: reviewer, settings: settings, resets: syncutil.NewKeyedMutex(), now: time.Now, logger: logger}
	if guard != nil {
		h.now = guard.now
	}
	return h
}

// RegisterProtectedRoutes sets up the review routes. The merchant is taken
// from the authenticated API key.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/antifraud/stats", h.GetStats)
	r.GET("/antifraud/checks", h.ExportChecks)
	r.GET("/antifraud/customers/:customerId/history",
		validation.PathIdentifier("customerId"), h.GetCustomerHistory)
	r.POST("/antifraud/feedback", h.PostFeedback)
	r.POST("/antifraud/check", h.PostCheck)
	r.POST("/antifraud/reset", h.PostReset)
}

func merchantOf(c *gin.Context) (string, bool) {
	id := auth.GetMerchantID(c)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Merchant API key required",
		})
		return "", false
	}
	return id, true
}

// GetStats handles GET /v1/antifraud/stats?days=N
func (h *Handler) GetStats(c *gin.Context) {
	merchantID, ok := merchantOf(c)
	if !ok {
		return
	}
	days, ok := queryDays(c)
	if !ok {
		return
	}

	stats, err := h.reviewer.Stats(c.Request.Context(), merchantID, days)
	if err != nil {
		h.internalError(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ExportChecks handles GET /v1/antifraud/checks?days=N&limit=N&cursor=C&blocked=true
func (h *Handler) ExportChecks(c *gin.Context) {
	merchantID, ok := merchantOf(c)
	if !ok {
		return
	}
	days, ok := queryDays(c)
	if !ok {
		return
	}
	limit, err := pagination.Limit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": err.Error(),
		})
		return
	}
	blocked, _ := strconv.ParseBool(c.DefaultQuery("blocked", "false"))

	page, err := h.reviewer.ExportChecks(c.Request.Context(), ExportQuery{
		MerchantID:  merchantID,
		Days:        days,
		Cursor:      c.Query("cursor"),
		Limit:       limit,
		BlockedOnly: blocked,
	})
	if err != nil {
		h.internalError(c, "check export", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// queryDays reads the days parameter, 1..365, defaulting to 30.
func queryDays(c *gin.Context) (int, bool) {
	d := c.Query("days")
	if d == "" {
		return defaultStatsDays, true
	}
	days, err := strconv.Atoi(d)
	if err != nil || days <= 0 || days > 365 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_days",
			"message": "days must be an integer between 1 and 365",
		})
		return 0, false
	}
	return days, true
}

// GetCustomerHistory handles GET /v1/antifraud/customers/:customerId/history
func (h *Handler) GetCustomerHistory(c *gin.Context) {
	merchantID, ok := merchantOf(c)
	if !ok {
		return
	}
	history, err := h.reviewer.CustomerHistory(c.Request.Context(), merchantID, strings.TrimSpace(c.Param("customerId")))
	if err != nil {
		h.internalError(c, "customer history", err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// FeedbackRequest is the request body of POST /v1/antifraud/feedback
type FeedbackRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	IsFraud       *bool  `json:"isFraud" binding:"required"`
	Notes         string `json:"notes"`
	Reviewer      string `json:"reviewer"`
}

// PostFeedback handles POST /v1/antifraud/feedback
func (h *Handler) PostFeedback(c *gin.Context) {
	merchantID, ok := merchantOf(c)
	if !ok {
		return
	}
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactionId and isFraud are required",
		})
		return
	}
	if errs := validation.Check(
		validation.Identifier("transactionId", req.TransactionID),
		validation.MaxLength("notes", req.Notes, maxNotesLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	fb := &Feedback{
		ID:            idgen.WithPrefix("fb_"),
		MerchantID:    merchantID,
		TransactionID: req.TransactionID,
		IsFraud:       *req.IsFraud,
		Notes:         validation.Clean(req.Notes, maxNotesLength),
		Reviewer:      validation.Clean(req.Reviewer, validation.MaxIdentifierLength),
	}
	if err := h.reviewer.RecordFeedback(c.Request.Context(), fb); err != nil {
		h.internalError(c, "feedback", err)
		return
	}
	verdict := "false_positive"
	if fb.IsFraud {
		verdict = "confirmed_fraud"
	}
	h.logger.Info("fraud feedback recorded",
		"merchant", merchantID, "transaction", fb.TransactionID, "verdict", verdict)
	c.JSON(http.StatusCreated, gin.H{"feedback": fb, "action": verdict})
}

// CheckRequest is the request body of POST /v1/antifraud/check
type CheckRequest struct {
	CustomerID string          `json:"customerId" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Type       OperationType   `json:"type"`
	OutletID   string          `json:"outletId"`
	StaffID    string          `json:"staffId"`
	DeviceID   string          `json:"deviceId"`
	Location   *GeoPoint       `json:"location"`
}

// PostCheck handles POST /v1/antifraud/check: it scores an operation
// without enforcing limits or writing an audit record.
func (h *Handler) PostCheck(c *gin.Context) {
	merchantID, ok := merchantOf(c)
	if !ok {
		return
	}
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "customerId is required",
		})
		return
	}

	ctx := c.Request.Context()
	limits := h.guard.Resolver().Resolve(ctx, merchantID)
	op := &OperationContext{
		MerchantID: merchantID,
		CustomerID: strings.TrimSpace(req.CustomerID),
		Amount:     req.Amount.Abs(),
		Type:       TypeEarn,
		OutletID:   strings.TrimSpace(req.OutletID),
		StaffID:    strings.TrimSpace(req.StaffID),
		IPAddress:  c.ClientIP(),
		UserAgent:  c.GetHeader("User-Agent"),
		Location:   req.Location,
		Zone:       limits.Location,
	}
	if strings.EqualFold(string(req.Type), string(TypeRedeem)) {
		op.Type = TypeRedeem
	}
	if req.DeviceID != "" {
		op.DeviceID = h.guard.resolveDevice(ctx, merchantID, req.DeviceID)
	}

	score := h.guard.Scorer().Score(ctx, op)
	resp := gin.H{"score": score}
	if factor, blocked := MatchBlockFactors(score.Factors, limits.BlockFactors); blocked {
		resp["blockFactor"] = factor
	}
	c.JSON(http.StatusOK, resp)
}

// ResetRequest is the request body of POST /v1/antifraud/reset
type ResetRequest struct {
	Scope Scope  `json:"scope" binding:"required"`
	Key   string `json:"key"`
}

// PostReset handles POST /v1/antifraud/reset: operations before now stop
// counting toward the given scope key's windows.
func (h *Handler) PostReset(c *gin.Context) {
	merchantID, ok := merchantOf(c)
	if !ok {
		return
	}
	if h.settings == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": "Merchant settings storage is not configured",
		})
		return
	}
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validResetScope(req.Scope, req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "scope must be merchant, or outlet/device/staff/customer with a key",
		})
		return
	}

	at := h.now().UTC()
	if err := h.applyReset(c, merchantID, req.Scope, strings.TrimSpace(req.Key), at); err != nil {
		h.internalError(c, "reset", err)
		return
	}
	h.logger.Info("antifraud limiter reset",
		"merchant", merchantID, "scope", req.Scope, "key", req.Key)
	c.JSON(http.StatusOK, gin.H{"scope": req.Scope, "key": req.Key, "resetAt": at})
}

func validResetScope(scope Scope, key string) bool {
	switch scope {
	case ScopeMerchant:
		return true
	case ScopeOutlet, ScopeDevice, ScopeStaff, ScopeCustomer:
		return strings.TrimSpace(key) != ""
	}
	return false
}

// applyReset writes the reset timestamp into the "af" section, keeping
// every other override untouched.
func (h *Handler) applyReset(c *gin.Context, merchantID string, scope Scope, key string, at time.Time) error {
	ctx := c.Request.Context()
	unlock, err := h.resets.Lock(ctx, merchantID)
	if err != nil {
		return err
	}
	defer unlock()

	settings, err := h.settings.GetSettings(ctx, merchantID)
	if errors.Is(err, merchants.ErrNotFound) {
		settings = &merchants.Settings{MerchantID: merchantID}
	} else if err != nil {
		return err
	}

	af := map[string]json.RawMessage{}
	section, err := settings.Section("af")
	if err != nil {
		return err
	}
	if section != nil {
		if err := json.Unmarshal(section, &af); err != nil {
			return err
		}
	}
	resets := map[string]any{}
	if raw, ok := af["reset"]; ok {
		_ = json.Unmarshal(raw, &resets)
	}

	stamp := at.Format(time.RFC3339Nano)
	if scope == ScopeMerchant {
		resets[string(ScopeMerchant)] = stamp
	} else {
		bag, _ := resets[string(scope)].(map[string]any)
		if bag == nil {
			bag = map[string]any{}
		}
		bag[key] = stamp
		resets[string(scope)] = bag
	}
	encoded, err := json.Marshal(resets)
	if err != nil {
		return err
	}
	af["reset"] = encoded

	if err := settings.SetSection("af", af); err != nil {
		return err
	}
	return h.settings.PutSettings(ctx, settings)
}

func (h *Handler) internalError(c *gin.Context, what string, err error) {
	if errors.Is(err, ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	h.logger.Error("antifraud: review request failed", "op", what, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to process " + what,
	})
}
