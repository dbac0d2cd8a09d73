// Package antifraud decides whether a loyalty operation (points earn or
// redeem, committed or refunded) may proceed.
//
// Evaluation combines layered velocity limits over merchant, outlet, staff
// and customer scopes with a rule-based risk score built from independent
// signals. Policy blocks are the only failures that reach the caller:
// storage errors, malformed merchant overrides and broken side-effect
// channels all degrade toward allowing the operation.
package antifraud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loyaltyhub/antifraud/internal/merchants"
)

// Errors
var (
	ErrRateLimited  = errors.New("antifraud: operation limit exceeded")
	ErrBlocked      = errors.New("antifraud: operation blocked")
	ErrHoldNotFound = errors.New("antifraud: hold not found")
	ErrNotFound     = errors.New("antifraud: not found")
	ErrWrongTenant  = errors.New("antifraud: operation belongs to another merchant")

	ErrInvalidRequest = errors.New("antifraud: invalid request")
)

// OperationType is the direction of a points movement.
type OperationType string

const (
	TypeEarn   OperationType = "EARN"
	TypeRedeem OperationType = "REDEEM"
)

// OperationKind is the lifecycle step being gated.
type OperationKind string

const (
	KindCommit OperationKind = "commit"
	KindRefund OperationKind = "refund"
)

// Level is the risk bucket derived from a score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Scope is an axis over which a velocity limit is enforced.
type Scope string

const (
	ScopeMerchant Scope = "merchant"
	ScopeOutlet   Scope = "outlet"
	ScopeDevice   Scope = "device"
	ScopeStaff    Scope = "staff"
	ScopeCustomer Scope = "customer"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// OperationContext is the unit of work evaluated by the scorer. It is built
// once per evaluation and never mutated afterwards.
type OperationContext struct {
	MerchantID string          `json:"merchantId"`
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	Type       OperationType   `json:"type"`
	DeviceID   string          `json:"deviceId,omitempty"`
	OutletID   string          `json:"outletId,omitempty"`
	StaffID    string          `json:"staffId,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
	Location   *GeoPoint       `json:"location,omitempty"`

	// Zone is the merchant's local timezone; nil means UTC.
	Zone *time.Location `json:"-"`
}

// OperationSummary is one historical operation from the operation log.
type OperationSummary struct {
	ID         string          `json:"id"`
	MerchantID string          `json:"merchantId"`
	CustomerID string          `json:"customerId"`
	Type       OperationType   `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	OutletID   string          `json:"outletId,omitempty"`
	StaffID    string          `json:"staffId,omitempty"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Location   *GeoPoint       `json:"location,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// OperationFilter selects operations of one merchant. Empty string fields
// are not applied; Since is inclusive, Before is exclusive.
type OperationFilter struct {
	MerchantID string
	CustomerID string
	OutletID   string
	DeviceID   string
	StaffID    string
	Since      time.Time
	Before     time.Time
}

// Hold is a reserved, not yet committed operation.
type Hold struct {
	ID           string          `json:"id"`
	MerchantID   string          `json:"merchantId"`
	CustomerID   string          `json:"customerId"`
	OutletID     string          `json:"outletId,omitempty"`
	StaffID      string          `json:"staffId,omitempty"`
	DeviceID     string          `json:"deviceId,omitempty"`
	Mode         OperationType   `json:"mode"`
	EarnPoints   decimal.Decimal `json:"earnPoints"`
	RedeemAmount decimal.Decimal `json:"redeemAmount"`
}

// Amount is the magnitude of points moved by the hold.
func (h *Hold) Amount() decimal.Decimal {
	if h.Mode == TypeRedeem {
		return h.RedeemAmount.Abs()
	}
	return h.EarnPoints.Abs()
}

// RiskScore is the scorer's verdict for one operation.
type RiskScore struct {
	Level        Level    `json:"level"`
	Score        int      `json:"score"`
	Factors      []string `json:"factors"`
	ShouldBlock  bool     `json:"shouldBlock"`
	ShouldReview bool     `json:"shouldReview"`
}

// AuditRecord is the append-only trace of one scored evaluation.
type AuditRecord struct {
	ID            string            `json:"id"`
	Actor         string            `json:"actor"`
	MerchantID    string            `json:"merchantId"`
	CustomerID    string            `json:"customerId"`
	TransactionID string            `json:"transactionId,omitempty"`
	Operation     OperationKind     `json:"operation"`
	Type          OperationType     `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	Score         int               `json:"score"`
	Level         Level             `json:"level"`
	Factors       []string          `json:"factors"`
	Blocked       bool              `json:"blocked"`
	Review        bool              `json:"review"`
	BlockReason   string            `json:"blockReason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// AuditActor is the actor recorded on every audit record.
const AuditActor = "antifraud_system"

// Feedback is a reviewer's verdict on a past operation.
type Feedback struct {
	ID            string    `json:"id"`
	MerchantID    string    `json:"merchantId"`
	TransactionID string    `json:"transactionId"`
	IsFraud       bool      `json:"isFraud"`
	Notes         string    `json:"notes,omitempty"`
	Reviewer      string    `json:"reviewer,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// OperationLog is the read-only transaction history.
type OperationLog interface {
	CountOperations(ctx context.Context, f OperationFilter) (int, error)
	FindRecentOperations(ctx context.Context, merchantID, customerID string, limit int) ([]OperationSummary, error)
	CountDistinctDevices(ctx context.Context, merchantID, customerID string, since time.Time) (int, error)
	LastLocatedOperation(ctx context.Context, merchantID, customerID string) (*OperationSummary, error)
}

// SettingsSource loads merchant settings (overrides and timezone).
type SettingsSource interface {
	GetSettings(ctx context.Context, merchantID string) (*merchants.Settings, error)
}

// Blacklist reports customers whose accruals or redemptions are blocked.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, merchantID, customerID string) (bool, error)
}

// HoldStore dereferences holds at commit time.
type HoldStore interface {
	GetHold(ctx context.Context, id string) (*Hold, error)
}

// DeviceRegistry maps a device code or id to the canonical device id.
type DeviceRegistry interface {
	ResolveDevice(ctx context.Context, merchantID, code string) (string, error)
}

// AuditStore persists audit records and reviewer feedback.
type AuditStore interface {
	Record(ctx context.Context, rec *AuditRecord) error
	ListByCustomer(ctx context.Context, merchantID, customerID string, limit int) ([]*AuditRecord, error)
	ListSince(ctx context.Context, merchantID string, since time.Time) ([]*AuditRecord, error)
	RecordFeedback(ctx context.Context, fb *Feedback) error
}

// BlockKind classifies a policy block.
type BlockKind string

const (
	BlockVelocity BlockKind = "velocity"
	BlockRisk     BlockKind = "risk"
	BlockFactor   BlockKind = "factor"
	BlockTenant   BlockKind = "tenant"
)

// BlockError is the only error Evaluate returns. It unwraps to
// ErrRateLimited for velocity blocks, ErrWrongTenant for tenant blocks and
// ErrBlocked otherwise.
type BlockError struct {
	Kind    BlockKind
	Scope   string
	Count   int
	Limit   int
	Level   Level
	Factors []string
	Factor  string
}

func (e *BlockError) Error() string {
	switch e.Kind {
	case BlockVelocity:
		return fmt.Sprintf("%s (%s=%d/%d)", ErrRateLimited.Error(), e.Scope, e.Count, e.Limit)
	case BlockFactor:
		return fmt.Sprintf("antifraud: blocked by factor rule (%s)", e.Factor)
	case BlockTenant:
		return ErrWrongTenant.Error()
	default:
		top := e.Factors
		if len(top) > 5 {
			top = top[:5]
		}
		return fmt.Sprintf("antifraud: high risk (%s). Factors: %s", e.Level, strings.Join(top, ", "))
	}
}

func (e *BlockError) Unwrap() error {
	switch e.Kind {
	case BlockVelocity:
		return ErrRateLimited
	case BlockTenant:
		return ErrWrongTenant
	}
	return ErrBlocked
}

// HTTPStatus maps the block to a response status.
func (e *BlockError) HTTPStatus() int {
	if e.Kind == BlockVelocity {
		return http.StatusTooManyRequests
	}
	return http.StatusForbidden
}

// FactorKey strips the ":value" suffix of a factor.
func FactorKey(factor string) string {
	if i := strings.IndexByte(factor, ':'); i >= 0 {
		return factor[:i]
	}
	return factor
}

func levelFor(score int) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}
