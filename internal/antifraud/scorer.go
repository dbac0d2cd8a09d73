package antifraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// CheckErrorFactor marks a score that degraded because a signal failed.
const CheckErrorFactor = "antifraud_check_error"

// DefaultMaxDistanceKm is the geo-jump threshold.
const DefaultMaxDistanceKm = 50.0

// Scorer runs every signal concurrently and folds the contributions into
// a RiskScore. Factor order follows signal order, not completion order.
type Scorer struct {
	signals []Signal
	logger  *slog.Logger
}

// ScorerDeps are the collaborators of the default signal set.
type ScorerDeps struct {
	Operations    OperationLog
	Blacklist     Blacklist
	Now           func() time.Time
	MaxDistanceKm float64
}

// DefaultSignals returns the standard checks in factor order: velocity,
// amount, time of day, client, behavior, geolocation, device, known
// patterns.
func DefaultSignals(d ScorerDeps) []Signal {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.MaxDistanceKm <= 0 {
		d.MaxDistanceKm = DefaultMaxDistanceKm
	}
	return []Signal{
		&velocitySignal{ops: d.Operations, now: d.Now},
		amountSignal{},
		&timeSignal{now: d.Now},
		clientSignal{},
		&behaviorSignal{ops: d.Operations, now: d.Now},
		&geoSignal{ops: d.Operations, maxDistanceKm: d.MaxDistanceKm},
		&deviceSignal{ops: d.Operations, now: d.Now},
		&knownPatternSignal{blacklist: d.Blacklist},
	}
}

// NewScorer creates a scorer over signals.
func NewScorer(logger *slog.Logger, signals ...Signal) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{signals: signals, logger: logger}
}

// Score evaluates op. Any signal failure degrades the whole score to LOW
// with the CheckErrorFactor; it never produces a block.
func (s *Scorer) Score(ctx context.Context, op *OperationContext) RiskScore {
	results := make([]Contribution, len(s.signals))
	p := pool.New().WithContext(ctx)
	for i, sig := range s.signals {
		p.Go(func(ctx context.Context) error {
			c, err := guarded(ctx, sig, op)
			if err != nil {
				return fmt.Errorf("%s: %w", sig.Name(), err)
			}
			results[i] = c
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		s.logger.Error("antifraud: risk check failed, degrading to LOW",
			"merchant", op.MerchantID, "customer", op.CustomerID, "error", err)
		return RiskScore{Level: LevelLow, Score: 0, Factors: []string{CheckErrorFactor}}
	}

	total := 0
	factors := []string{}
	for _, c := range results {
		total += c.Score
		factors = append(factors, c.Factors...)
	}
	total = min(max(total, 0), 100)
	level := levelFor(total)
	return RiskScore{
		Level:        level,
		Score:        total,
		Factors:      factors,
		ShouldBlock:  level == LevelCritical,
		ShouldReview: level == LevelHigh,
	}
}

// guarded is the single fail-open boundary around a signal: panics become
// errors and negative contributions are clamped to zero.
func guarded(ctx context.Context, sig Signal, op *OperationContext) (c Contribution, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = Contribution{}, fmt.Errorf("panic: %v", r)
		}
	}()
	c, err = sig.Evaluate(ctx, op)
	if err != nil {
		return Contribution{}, err
	}
	if c.Score < 0 {
		c.Score = 0
	}
	return c, nil
}
