package antifraud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/loyaltyhub/antifraud/internal/merchants"
)

// ScopeLimit is the velocity configuration of one scope. Caps of 0 are
// disabled, not "cap of zero".
type ScopeLimit struct {
	Limit     int `json:"limit"`
	WindowSec int `json:"windowSec"`
	DailyCap  int `json:"dailyCap"`
	WeeklyCap int `json:"weeklyCap"`
}

// Window is the rolling short window.
func (l ScopeLimit) Window() time.Duration {
	return time.Duration(l.WindowSec) * time.Second
}

// CustomerLimit extends ScopeLimit with the customer-only knobs.
type CustomerLimit struct {
	ScopeLimit
	MonthlyCap int  `json:"monthlyCap"` // notify-only
	PointsCap  int  `json:"pointsCap"`  // notify-only, EARN holds
	BlockDaily bool `json:"blockDaily"` // merchant daily cap blocks instead of notifying
}

// DefaultLimits is the platform configuration every merchant starts from.
type DefaultLimits struct {
	Merchant ScopeLimit    `json:"merchant"`
	Outlet   ScopeLimit    `json:"outlet"`
	Staff    ScopeLimit    `json:"staff"`
	Customer CustomerLimit `json:"customer"`
}

// CompiledDefaults returns the built-in platform limits.
func CompiledDefaults() DefaultLimits {
	return DefaultLimits{
		Merchant: ScopeLimit{Limit: 200, WindowSec: 3600},
		Outlet:   ScopeLimit{Limit: 20, WindowSec: 600},
		Staff:    ScopeLimit{Limit: 60, WindowSec: 600},
		Customer: CustomerLimit{ScopeLimit: ScopeLimit{Limit: 5, WindowSec: 120}},
	}
}

// Sanitize replaces non-positive limits and windows with the compiled
// defaults and clamps negative caps to 0.
func (d DefaultLimits) Sanitize() DefaultLimits {
	c := CompiledDefaults()
	d.Merchant = sanitizeScope(d.Merchant, c.Merchant)
	d.Outlet = sanitizeScope(d.Outlet, c.Outlet)
	d.Staff = sanitizeScope(d.Staff, c.Staff)
	d.Customer.ScopeLimit = sanitizeScope(d.Customer.ScopeLimit, c.Customer.ScopeLimit)
	d.Customer.MonthlyCap = max(d.Customer.MonthlyCap, 0)
	d.Customer.PointsCap = max(d.Customer.PointsCap, 0)
	return d
}

func sanitizeScope(l, fallback ScopeLimit) ScopeLimit {
	if l.Limit <= 0 {
		l.Limit = fallback.Limit
	}
	if l.WindowSec <= 0 {
		l.WindowSec = fallback.WindowSec
	}
	l.DailyCap = max(l.DailyCap, 0)
	l.WeeklyCap = max(l.WeeklyCap, 0)
	return l
}

// EffectiveLimits is the per-evaluation result of merging platform
// defaults with a merchant's overrides. It is rebuilt on every evaluation.
type EffectiveLimits struct {
	Merchant ScopeLimit
	Outlet   ScopeLimit
	Staff    ScopeLimit
	Customer CustomerLimit

	// Platform holds the unmerged platform customer limits, enforced
	// independently of whatever the merchant configured.
	Platform CustomerLimit

	BlockFactors []string
	Resets       Resets
	Location     *time.Location
}

// Resets are support-issued limiter resets: operations before the reset
// time no longer count toward the scope's windows.
type Resets struct {
	Merchant time.Time
	Keys     map[Scope]map[string]time.Time
}

// At returns the reset time of a scope key, zero when none.
func (r Resets) At(scope Scope, key string) time.Time {
	if scope == ScopeMerchant {
		return r.Merchant
	}
	if key == "" {
		return time.Time{}
	}
	return r.Keys[scope][key]
}

// OptionalInt is an override value that is applied only when it was
// present and numerically positive.
type OptionalInt struct {
	Value int
	Valid bool
}

func (o *OptionalInt) UnmarshalJSON(b []byte) error {
	*o = OptionalInt{}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt32 {
		return nil
	}
	if n := int(f); n > 0 {
		*o = OptionalInt{Value: n, Valid: true}
	}
	return nil
}

func (o OptionalInt) apply(dst *int) {
	if o.Valid {
		*dst = o.Value
	}
}

// ScopeOverride is a merchant's partial override of one scope.
type ScopeOverride struct {
	Limit     OptionalInt `json:"limit"`
	WindowSec OptionalInt `json:"windowSec"`
	DailyCap  OptionalInt `json:"dailyCap"`
	WeeklyCap OptionalInt `json:"weeklyCap"`
}

func (o *ScopeOverride) apply(dst *ScopeLimit) {
	if o == nil {
		return
	}
	o.Limit.apply(&dst.Limit)
	o.WindowSec.apply(&dst.WindowSec)
	o.DailyCap.apply(&dst.DailyCap)
	o.WeeklyCap.apply(&dst.WeeklyCap)
}

// CustomerOverride is a merchant's partial override of the customer scope.
type CustomerOverride struct {
	ScopeOverride
	MonthlyCap OptionalInt `json:"monthlyCap"`
	PointsCap  OptionalInt `json:"pointsCap"`
	BlockDaily *bool       `json:"blockDaily"`
}

// MerchantOverrides is the typed form of the "af" section of a merchant's
// rules document. Outlet may also be supplied under the legacy "device"
// key; when both are present Outlet wins.
type MerchantOverrides struct {
	Merchant     *ScopeOverride
	Outlet       *ScopeOverride
	Device       *ScopeOverride
	Staff        *ScopeOverride
	Customer     *CustomerOverride
	BlockFactors []string
	Resets       Resets
}

var errOverridesNotObject = errors.New("antifraud: overrides are not a JSON object")

// ParseOverrides decodes the "af" section. Only a malformed top level is an
// error; a section of the wrong shape is ignored.
func ParseOverrides(raw json.RawMessage) (*MerchantOverrides, error) {
	ov := &MerchantOverrides{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return ov, nil
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, errors.Join(errOverridesNotObject, err)
	}

	ov.Merchant = decodeSection[ScopeOverride](sections["merchant"])
	ov.Outlet = decodeSection[ScopeOverride](sections["outlet"])
	ov.Device = decodeSection[ScopeOverride](sections["device"])
	ov.Staff = decodeSection[ScopeOverride](sections["staff"])
	ov.Customer = decodeSection[CustomerOverride](sections["customer"])
	ov.BlockFactors = decodeFactorList(sections["blockFactors"])
	ov.Resets = decodeResets(sections["reset"])
	return ov, nil
}

func decodeSection[T any](raw json.RawMessage) *T {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var v T
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil
	}
	return &v
}

func decodeFactorList(raw json.RawMessage) []string {
	var entries []any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		var s string
		switch t := e.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			s = strconv.FormatBool(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func decodeResets(raw json.RawMessage) Resets {
	r := Resets{Keys: map[Scope]map[string]time.Time{}}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return r
	}
	if ts, ok := parseResetTime(sections["merchant"]); ok {
		r.Merchant = ts
	}
	for _, scope := range []Scope{ScopeOutlet, ScopeDevice, ScopeStaff, ScopeCustomer} {
		var bag map[string]json.RawMessage
		if err := json.Unmarshal(sections[string(scope)], &bag); err != nil {
			continue
		}
		for key, v := range bag {
			if ts, ok := parseResetTime(v); ok {
				if r.Keys[scope] == nil {
					r.Keys[scope] = map[string]time.Time{}
				}
				r.Keys[scope][key] = ts
			}
		}
	}
	return r
}

func parseResetTime(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.DateTime, time.DateOnly} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Apply merges the overrides into limits field by field.
func (o *MerchantOverrides) Apply(limits *EffectiveLimits) {
	o.Merchant.apply(&limits.Merchant)
	if o.Outlet != nil {
		o.Outlet.apply(&limits.Outlet)
	} else {
		o.Device.apply(&limits.Outlet)
	}
	o.Staff.apply(&limits.Staff)
	if c := o.Customer; c != nil {
		c.ScopeOverride.apply(&limits.Customer.ScopeLimit)
		c.MonthlyCap.apply(&limits.Customer.MonthlyCap)
		c.PointsCap.apply(&limits.Customer.PointsCap)
		if c.BlockDaily != nil {
			limits.Customer.BlockDaily = *c.BlockDaily
		}
	}
	if len(o.BlockFactors) > 0 {
		limits.BlockFactors = append([]string(nil), o.BlockFactors...)
	}
	limits.Resets = o.Resets
}

// Resolver builds EffectiveLimits for a merchant. It never fails: any
// problem loading or decoding overrides yields the platform defaults.
type Resolver struct {
	settings SettingsSource
	defaults DefaultLimits
	logger   *slog.Logger
}

// NewResolver creates a resolver over the injected platform defaults.
// settings may be nil, in which case every merchant gets the defaults.
func NewResolver(settings SettingsSource, defaults DefaultLimits, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{settings: settings, defaults: defaults.Sanitize(), logger: logger}
}

// Defaults returns the sanitized platform defaults.
func (r *Resolver) Defaults() DefaultLimits {
	return r.defaults
}

// Resolve returns the effective limits of merchantID.
func (r *Resolver) Resolve(ctx context.Context, merchantID string) EffectiveLimits {
	d := r.defaults
	limits := EffectiveLimits{
		Merchant: d.Merchant,
		Outlet:   d.Outlet,
		Staff:    d.Staff,
		Customer: d.Customer,
		Platform: d.Customer,
		Location: merchants.DefaultLocation(),
	}
	if r.settings == nil || merchantID == "" {
		return limits
	}

	settings, err := r.settings.GetSettings(ctx, merchantID)
	if err != nil {
		if !errors.Is(err, merchants.ErrNotFound) {
			r.logger.Warn("antifraud: failed to load merchant settings, using defaults",
				"merchant", merchantID, "error", err)
		}
		return limits
	}
	limits.Location = settings.Location()

	section, err := settings.Section("af")
	if err != nil {
		r.logger.Warn("antifraud: malformed merchant rules, using defaults",
			"merchant", merchantID, "error", err)
		return limits
	}
	overrides, err := ParseOverrides(section)
	if err != nil {
		r.logger.Warn("antifraud: malformed antifraud overrides, using defaults",
			"merchant", merchantID, "error", err)
		return limits
	}
	overrides.Apply(&limits)
	return limits
}
