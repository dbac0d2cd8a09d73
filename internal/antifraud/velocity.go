package antifraud

import (
	"context"
	"log/slog"
	"time"

	"github.com/loyaltyhub/antifraud/internal/alerts"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
)

// Operation is what the limiter gates: the scope keys of one operation and
// its lifecycle step.
type Operation struct {
	Kind       OperationKind
	MerchantID string
	CustomerID string
	OutletID   string
	DeviceID   string
	StaffID    string
}

// scopeCheck is one entry of the ordered limiter pipeline.
type scopeCheck func(ctx context.Context) *BlockError

// threshold is a single "count since X must stay below N" rule.
type threshold struct {
	name       string // reported scope, e.g. "customer_daily"
	filter     OperationFilter
	since      time.Time
	limit      int
	severity   alerts.Severity
	notifyOnly bool
}

// Limiter enforces the layered velocity limits. It is advisory: counts are
// read without reservation, so concurrent operations may overshoot a limit.
type Limiter struct {
	ops    OperationLog
	sink   *Sink
	now    func() time.Time
	logger *slog.Logger
}

// NewLimiter creates a limiter over the operation log.
func NewLimiter(ops OperationLog, sink *Sink, now func() time.Time, logger *slog.Logger) *Limiter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{ops: ops, sink: sink, now: now, logger: logger}
}

// Check runs every applicable scope in order and returns the first block.
func (l *Limiter) Check(ctx context.Context, op Operation, limits EffectiveLimits) *BlockError {
	memo := map[OperationFilter]int{}
	for _, check := range l.checks(op, limits, memo) {
		if blk := check(ctx); blk != nil {
			return blk
		}
	}
	return nil
}

// checks builds the scope pipeline: merchant, outlet (or device when the
// outlet is unknown), staff, then customer for commits.
func (l *Limiter) checks(op Operation, limits EffectiveLimits, memo map[OperationFilter]int) []scopeCheck {
	now := l.now()
	var checks []scopeCheck
	add := func(ts ...threshold) {
		for _, t := range ts {
			checks = append(checks, l.rule(op, t, memo))
		}
	}

	add(l.scopeThresholds(ScopeMerchant, OperationFilter{MerchantID: op.MerchantID},
		limits.Merchant, limits.Resets.At(ScopeMerchant, ""), now)...)

	switch {
	case op.OutletID != "":
		add(l.scopeThresholds(ScopeOutlet, OperationFilter{MerchantID: op.MerchantID, OutletID: op.OutletID},
			limits.Outlet, limits.Resets.At(ScopeOutlet, op.OutletID), now)...)
	case op.DeviceID != "":
		add(l.scopeThresholds(ScopeDevice, OperationFilter{MerchantID: op.MerchantID, DeviceID: op.DeviceID},
			limits.Outlet, limits.Resets.At(ScopeDevice, op.DeviceID), now)...)
	}

	if op.StaffID != "" {
		add(l.scopeThresholds(ScopeStaff, OperationFilter{MerchantID: op.MerchantID, StaffID: op.StaffID},
			limits.Staff, limits.Resets.At(ScopeStaff, op.StaffID), now)...)
	}

	if op.Kind == KindCommit && op.CustomerID != "" {
		add(l.customerThresholds(op, limits, now)...)
	}
	return checks
}

func (l *Limiter) scopeThresholds(scope Scope, f OperationFilter, sl ScopeLimit, reset, now time.Time) []threshold {
	name := string(scope)
	ts := []threshold{{
		name: name, filter: f, since: clamp(now.Add(-sl.Window()), reset),
		limit: sl.Limit, severity: alerts.SeverityWarning,
	}}
	if sl.DailyCap > 0 {
		ts = append(ts, threshold{
			name: name + "_daily", filter: f, since: clamp(now.Add(-day), reset),
			limit: sl.DailyCap, severity: alerts.SeverityWarning,
		})
	}
	if sl.WeeklyCap > 0 {
		ts = append(ts, threshold{
			name: name + "_weekly", filter: f, since: clamp(now.Add(-week), reset),
			limit: sl.WeeklyCap, severity: alerts.SeverityWarning,
		})
	}
	return ts
}

// customerThresholds enforces the platform customer limits independently
// of the merchant's own, which only add stricter (or notify-only) rules.
func (l *Limiter) customerThresholds(op Operation, limits EffectiveLimits, now time.Time) []threshold {
	f := OperationFilter{MerchantID: op.MerchantID, CustomerID: op.CustomerID}
	reset := limits.Resets.At(ScopeCustomer, op.CustomerID)
	platform, merchant := limits.Platform, limits.Customer
	daily := clamp(now.Add(-day), reset)
	weekly := clamp(now.Add(-week), reset)

	var ts []threshold
	if platform.Limit > 0 && platform.WindowSec > 0 {
		ts = append(ts, threshold{
			name: "customer", filter: f, since: clamp(now.Add(-platform.Window()), reset),
			limit: platform.Limit, severity: alerts.SeverityCritical,
		})
	}
	if merchant.Limit != platform.Limit || merchant.WindowSec != platform.WindowSec {
		ts = append(ts, threshold{
			name: "customer", filter: f, since: clamp(now.Add(-merchant.Window()), reset),
			limit: merchant.Limit, severity: alerts.SeverityWarning,
		})
	}
	if platform.DailyCap > 0 {
		ts = append(ts, threshold{
			name: "customer_daily", filter: f, since: daily,
			limit: platform.DailyCap, severity: alerts.SeverityCritical,
		})
	}
	if merchant.DailyCap > 0 {
		ts = append(ts, threshold{
			name: "customer_daily", filter: f, since: daily,
			limit: merchant.DailyCap, severity: alerts.SeverityWarning,
			notifyOnly: !merchant.BlockDaily,
		})
	}
	if platform.WeeklyCap > 0 {
		ts = append(ts, threshold{
			name: "customer_weekly", filter: f, since: weekly,
			limit: platform.WeeklyCap, severity: alerts.SeverityCritical,
		})
	}
	if merchant.WeeklyCap > 0 && merchant.WeeklyCap != platform.WeeklyCap {
		ts = append(ts, threshold{
			name: "customer_weekly", filter: f, since: weekly,
			limit: merchant.WeeklyCap, severity: alerts.SeverityWarning,
		})
	}
	if merchant.MonthlyCap > 0 {
		ts = append(ts, threshold{
			name: "customer_monthly", filter: f, since: clamp(now.Add(-month), reset),
			limit: merchant.MonthlyCap, severity: alerts.SeverityInfo, notifyOnly: true,
		})
	}
	return ts
}

func (l *Limiter) rule(op Operation, t threshold, memo map[OperationFilter]int) scopeCheck {
	return func(ctx context.Context) *BlockError {
		f := t.filter
		f.Since = t.since
		count, ok := memo[f]
		if !ok {
			var err error
			count, err = l.ops.CountOperations(ctx, f)
			if err != nil {
				l.logger.Warn("antifraud: velocity count failed, treating as zero",
					"merchant", op.MerchantID, "scope", t.name, "error", err)
				return nil
			}
			memo[f] = count
		}
		if count < t.limit {
			return nil
		}

		severity := t.severity
		if t.notifyOnly {
			severity = alerts.SeverityInfo
		}
		l.sink.Alert(ctx, &alerts.Alert{
			Kind:       alerts.KindVelocity,
			Severity:   severity,
			MerchantID: op.MerchantID,
			Operation:  string(op.Kind),
			Scope:      t.name,
			Count:      count,
			Limit:      t.limit,
			Blocked:    !t.notifyOnly,
			CustomerID: op.CustomerID,
			OutletID:   op.OutletID,
			StaffID:    op.StaffID,
			DeviceID:   op.DeviceID,
			At:         l.now(),
		})
		if t.notifyOnly {
			return nil
		}
		velocityBlockTotal.WithLabelValues(t.name, string(op.Kind)).Inc()
		l.logger.Info("antifraud: velocity limit hit",
			"merchant", op.MerchantID, "customer", op.CustomerID,
			"scope", t.name, "count", count, "limit", t.limit)
		return &BlockError{Kind: BlockVelocity, Scope: t.name, Count: count, Limit: t.limit}
	}
}

// clamp moves a window start forward to a support-issued reset.
func clamp(start, reset time.Time) time.Time {
	if reset.After(start) {
		return reset
	}
	return start
}
