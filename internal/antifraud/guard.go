package antifraud

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loyaltyhub/antifraud/internal/alerts"
	"github.com/loyaltyhub/antifraud/internal/logging"
	"github.com/loyaltyhub/antifraud/internal/traces"
)

// Request is an inbound operation as seen by the guard. For commits that
// carry a HoldID the hold's fields take precedence over the request's.
type Request struct {
	Kind          OperationKind   `json:"kind"`
	HoldID        string          `json:"holdId,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	MerchantID    string          `json:"merchantId,omitempty"`
	CustomerID    string          `json:"customerId,omitempty"`
	OutletID      string          `json:"outletId,omitempty"`
	StaffID       string          `json:"staffId,omitempty"`
	DeviceID      string          `json:"deviceId,omitempty"`
	DeviceCode    string          `json:"deviceCode,omitempty"`
	Type          OperationType   `json:"type,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	IPAddress     string          `json:"-"`
	UserAgent     string          `json:"-"`
	Location      *GeoPoint       `json:"location,omitempty"`

	// Tenant is the authenticated merchant. When set, an operation or hold
	// of any other merchant is refused.
	Tenant string `json:"-"`
}

// Result is the outcome of an evaluation. Score is set when the risk
// scorer ran.
type Result struct {
	Allowed     bool       `json:"allowed"`
	Score       *RiskScore `json:"score,omitempty"`
	BlockReason string     `json:"blockReason,omitempty"`
}

func allowed() *Result { return &Result{Allowed: true} }

// Deps are the collaborators of a Guard. Operations is required.
type Deps struct {
	Operations OperationLog
	Settings   SettingsSource
	Blacklist  Blacklist
	Holds      HoldStore
	Devices    DeviceRegistry
	Audit      AuditStore
	Publishers []AlertPublisher
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the guard's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithDefaultLimits sets the platform limits (CompiledDefaults otherwise).
func WithDefaultLimits(d DefaultLimits) Option {
	return func(g *Guard) { g.defaults = d }
}

// WithMaxDistanceKm sets the geo-jump threshold.
func WithMaxDistanceKm(km float64) Option {
	return func(g *Guard) { g.maxDistanceKm = km }
}

// WithSignals replaces the default signal set.
func WithSignals(signals ...Signal) Option {
	return func(g *Guard) { g.signals = signals }
}

// WithEnabled turns the guard on or off. A disabled guard allows
// everything without touching storage.
func WithEnabled(enabled bool) Option {
	return func(g *Guard) { g.enabled = enabled }
}

// Guard is the decision orchestrator.
type Guard struct {
	deps          Deps
	resolver      *Resolver
	limiter       *Limiter
	scorer        *Scorer
	sink          *Sink
	defaults      DefaultLimits
	maxDistanceKm float64
	signals       []Signal
	enabled       bool
	now           func() time.Time
	logger        *slog.Logger
}

// NewGuard wires a guard from its collaborators.
func NewGuard(deps Deps, opts ...Option) *Guard {
	g := &Guard{
		deps:          deps,
		defaults:      CompiledDefaults(),
		maxDistanceKm: DefaultMaxDistanceKm,
		enabled:       true,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.signals == nil {
		g.signals = DefaultSignals(ScorerDeps{
			Operations:    deps.Operations,
			Blacklist:     deps.Blacklist,
			Now:           g.now,
			MaxDistanceKm: g.maxDistanceKm,
		})
	}
	g.sink = NewSink(deps.Audit, g.logger, deps.Publishers...)
	g.resolver = NewResolver(deps.Settings, g.defaults, g.logger)
	g.limiter = NewLimiter(deps.Operations, g.sink, g.now, g.logger)
	g.scorer = NewScorer(g.logger, g.signals...)
	return g
}

// Sink exposes the side-effect sink (for Flush on shutdown).
func (g *Guard) Sink() *Sink { return g.sink }

// Resolver exposes the limits resolver.
func (g *Guard) Resolver() *Resolver { return g.resolver }

// Scorer exposes the risk scorer.
func (g *Guard) Scorer() *Scorer { return g.scorer }

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool { return g.enabled }

// Evaluate decides on req. The error is non-nil only for policy blocks and
// is always a *BlockError.
func (g *Guard) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "antifraud.Evaluate",
		traces.Operation(string(req.Kind)), traces.HoldID(req.HoldID))
	defer span.End()

	res, err := g.evaluate(ctx, req)

	outcome := "allowed"
	var blk *BlockError
	if errors.As(err, &blk) {
		outcome = string(blk.Kind)
		traces.RecordBlock(span, string(blk.Kind), blk.Error())
	}
	if res != nil && res.Score != nil {
		span.SetAttributes(traces.RiskLevel(string(res.Score.Level)), traces.RiskScore(res.Score.Score))
	}
	evaluationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func (g *Guard) evaluate(ctx context.Context, req *Request) (*Result, error) {
	if !g.enabled || (req.Kind != KindCommit && req.Kind != KindRefund) {
		return allowed(), nil
	}

	op := g.buildContext(ctx, req)
	if tenant := strings.TrimSpace(req.Tenant); tenant != "" && op.MerchantID != tenant {
		g.log(ctx).Warn("antifraud: cross-merchant operation refused",
			"tenant", tenant, "merchant", op.MerchantID, "hold", req.HoldID)
		blk := &BlockError{Kind: BlockTenant}
		return &Result{Allowed: false, BlockReason: blk.Error()}, blk
	}
	if op.MerchantID == "" {
		return allowed(), nil
	}
	ctx = logging.WithMerchant(ctx, op.MerchantID)

	limits := g.resolver.Resolve(ctx, op.MerchantID)
	op.Zone = limits.Location

	if blk := g.limiter.Check(ctx, Operation{
		Kind:       req.Kind,
		MerchantID: op.MerchantID,
		CustomerID: op.CustomerID,
		OutletID:   op.OutletID,
		DeviceID:   op.DeviceID,
		StaffID:    op.StaffID,
	}, limits); blk != nil {
		return &Result{Allowed: false, BlockReason: blk.Error()}, blk
	}

	// Refunds may lack a customer; scoring is a commit-only concern. A commit
	// with a customer is scored whether or not a hold supplied the context.
	if req.Kind != KindCommit || op.CustomerID == "" {
		return allowed(), nil
	}
	return g.assess(ctx, req, op, limits)
}

// assess runs the scoring stage. Anything but a policy block, panics
// included, lets the operation through.
func (g *Guard) assess(ctx context.Context, req *Request, op *OperationContext, limits EffectiveLimits) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log(ctx).Error("antifraud: assessment panicked, allowing operation", "panic", r)
			res, err = allowed(), nil
		}
	}()

	g.notifyPointsCap(ctx, req, op, limits)

	if factor, ok := MatchMissingContext(op, limits.BlockFactors); ok {
		blk := &BlockError{Kind: BlockFactor, Factor: factor}
		g.reportFactorBlock(ctx, req, op, factor)
		return &Result{Allowed: false, BlockReason: blk.Error()}, blk
	}

	score := g.scorer.Score(ctx, op)
	checkTotal.WithLabelValues(string(req.Kind)).Inc()
	riskLevelTotal.WithLabelValues(string(score.Level)).Inc()
	rec := g.auditRecord(req, op, score)

	if score.ShouldBlock {
		blk := &BlockError{Kind: BlockRisk, Level: score.Level, Factors: score.Factors}
		blockedTotal.WithLabelValues(string(score.Level), "risk").Inc()
		rec.Blocked, rec.BlockReason = true, blk.Error()
		g.sink.Record(ctx, rec)
		g.sink.Alert(ctx, g.alert(req, op, alerts.KindRisk, alerts.SeverityCritical, func(a *alerts.Alert) {
			a.Level, a.Factors, a.Blocked = string(score.Level), score.Factors, true
		}))
		return &Result{Allowed: false, Score: &score, BlockReason: blk.Error()}, blk
	}

	if factor, ok := MatchBlockFactors(score.Factors, limits.BlockFactors); ok {
		blk := &BlockError{Kind: BlockFactor, Factor: factor, Level: score.Level, Factors: score.Factors}
		rec.Blocked, rec.BlockReason = true, blk.Error()
		g.sink.Record(ctx, rec)
		g.reportFactorBlock(ctx, req, op, factor)
		return &Result{Allowed: false, Score: &score, BlockReason: blk.Error()}, blk
	}

	if score.ShouldReview {
		rec.Review = true
		g.sink.Alert(ctx, g.alert(req, op, alerts.KindRisk, alerts.SeverityWarning, func(a *alerts.Alert) {
			a.Level, a.Factors = string(score.Level), score.Factors
		}))
	}
	g.sink.Record(ctx, rec)
	return &Result{Allowed: true, Score: &score}, nil
}

// buildContext resolves the operation context from the request and, for
// commits, the referenced hold. The tenant stands in for a missing merchant.
func (g *Guard) buildContext(ctx context.Context, req *Request) *OperationContext {
	op := &OperationContext{
		MerchantID: firstNonEmpty(req.MerchantID, req.Tenant),
		CustomerID: strings.TrimSpace(req.CustomerID),
		Amount:     req.Amount.Abs(),
		Type:       req.Type,
		DeviceID:   strings.TrimSpace(req.DeviceID),
		OutletID:   strings.TrimSpace(req.OutletID),
		StaffID:    strings.TrimSpace(req.StaffID),
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		Location:   req.Location,
	}

	if req.Kind == KindCommit && req.HoldID != "" && g.deps.Holds != nil {
		hold, err := g.deps.Holds.GetHold(ctx, req.HoldID)
		switch {
		case err == nil && hold != nil:
			op.MerchantID = firstNonEmpty(hold.MerchantID, op.MerchantID)
			op.CustomerID = firstNonEmpty(hold.CustomerID, op.CustomerID)
			op.OutletID = firstNonEmpty(hold.OutletID, op.OutletID)
			op.StaffID = firstNonEmpty(hold.StaffID, op.StaffID)
			op.DeviceID = firstNonEmpty(hold.DeviceID, op.DeviceID)
			op.Type = hold.Mode
			op.Amount = hold.Amount()
		case errors.Is(err, ErrHoldNotFound):
			// fall back to the request fields
		default:
			g.log(ctx).Warn("antifraud: hold lookup failed", "hold", req.HoldID, "error", err)
		}
	}

	if op.DeviceID == "" && req.DeviceCode != "" && op.MerchantID != "" {
		op.DeviceID = g.resolveDevice(ctx, op.MerchantID, req.DeviceCode)
	}

	if op.Type != TypeRedeem {
		op.Type = TypeEarn
	}
	return op
}

// resolveDevice maps a cashier-entered device code to a registered device.
// Without a registry the code is taken as the id; an unknown code leaves
// the device unset.
func (g *Guard) resolveDevice(ctx context.Context, merchantID, code string) string {
	if g.deps.Devices == nil {
		return strings.TrimSpace(code)
	}
	id, err := g.deps.Devices.ResolveDevice(ctx, merchantID, code)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.log(ctx).Warn("antifraud: device lookup failed", "merchant", merchantID, "error", err)
		}
		return ""
	}
	return id
}

// notifyPointsCap warns (never blocks) when an accrual exceeds the
// customer points cap.
func (g *Guard) notifyPointsCap(ctx context.Context, req *Request, op *OperationContext, limits EffectiveLimits) {
	capPoints := limits.Customer.PointsCap
	if op.Type != TypeEarn || capPoints <= 0 || !op.Amount.GreaterThan(decimal.NewFromInt(int64(capPoints))) {
		return
	}
	blockedTotal.WithLabelValues("LIMIT", "points_cap").Inc()
	g.sink.Alert(ctx, g.alert(req, op, alerts.KindPointsCap, alerts.SeverityInfo, func(a *alerts.Alert) {
		a.Scope, a.Amount, a.Limit = "points_cap", op.Amount.String(), capPoints
	}))
}

func (g *Guard) reportFactorBlock(ctx context.Context, req *Request, op *OperationContext, factor string) {
	blockFactorTotal.WithLabelValues(factor).Inc()
	g.sink.Alert(ctx, g.alert(req, op, alerts.KindFactor, alerts.SeverityWarning, func(a *alerts.Alert) {
		a.Scope, a.Blocked = factor, true
	}))
	g.log(ctx).Info("antifraud: blocked by factor rule", "customer", op.CustomerID, "factor", factor)
}

func (g *Guard) alert(req *Request, op *OperationContext, kind alerts.Kind, sev alerts.Severity, fill func(*alerts.Alert)) *alerts.Alert {
	a := &alerts.Alert{
		Kind:       kind,
		Severity:   sev,
		MerchantID: op.MerchantID,
		Operation:  string(req.Kind),
		CustomerID: op.CustomerID,
		OutletID:   op.OutletID,
		StaffID:    op.StaffID,
		DeviceID:   op.DeviceID,
		At:         g.now(),
	}
	fill(a)
	return a
}

func (g *Guard) auditRecord(req *Request, op *OperationContext, score RiskScore) *AuditRecord {
	meta := map[string]string{"type": string(op.Type)}
	for k, v := range map[string]string{"outletId": op.OutletID, "staffId": op.StaffID, "deviceId": op.DeviceID, "holdId": req.HoldID} {
		if v != "" {
			meta[k] = v
		}
	}
	return &AuditRecord{
		Actor:         AuditActor,
		MerchantID:    op.MerchantID,
		CustomerID:    op.CustomerID,
		TransactionID: req.TransactionID,
		Operation:     req.Kind,
		Type:          op.Type,
		Amount:        op.Amount,
		Score:         score.Score,
		Level:         score.Level,
		Factors:       append([]string(nil), score.Factors...),
		Metadata:      meta,
		CreatedAt:     g.now(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// log decorates the guard logger with the request and merchant tags.
func (g *Guard) log(ctx context.Context) *slog.Logger {
	l := g.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if m := logging.MerchantID(ctx); m != "" {
		l = l.With("merchant", m)
	}
	return l
}
