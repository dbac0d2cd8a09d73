// Package alerts delivers antifraud alerts to operators and merchant staff.
//
// Channels implement Publisher. Deliveries are best effort: callers log
// and count errors but never let them change a decision already made.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loyaltyhub/antifraud/internal/circuitbreaker"
	"github.com/loyaltyhub/antifraud/internal/metrics"
)

// Severity orders alerts; publishers can be gated on a minimum.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// ParseSeverity parses a configured severity name.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return sev, nil
	case "":
		return SeverityInfo, nil
	default:
		return "", fmt.Errorf("alerts: unknown severity %q", s)
	}
}

// Kind says what tripped the alert.
type Kind string

const (
	KindVelocity  Kind = "velocity"
	KindRisk      Kind = "risk"
	KindFactor    Kind = "factor"
	KindPointsCap Kind = "points_cap"
)

// Alert is one antifraud event worth telling a human about.
type Alert struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Severity   Severity  `json:"severity"`
	MerchantID string    `json:"merchantId"`
	Operation  string    `json:"operation"`
	Scope      string    `json:"scope,omitempty"`
	Count      int       `json:"count,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Level      string    `json:"level,omitempty"`
	Factors    []string  `json:"factors,omitempty"`
	Blocked    bool      `json:"blocked"`
	CustomerID string    `json:"customerId,omitempty"`
	OutletID   string    `json:"outletId,omitempty"`
	StaffID    string    `json:"staffId,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	At         time.Time `json:"at"`
}

// Summary renders a one-line human description.
func (a *Alert) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] merchant %s: %s", a.Severity, a.MerchantID, a.Kind)
	switch a.Kind {
	case KindVelocity, KindPointsCap:
		if a.Scope != "" {
			fmt.Fprintf(&b, " %s", a.Scope)
		}
		if a.Amount != "" {
			fmt.Fprintf(&b, " amount=%s", a.Amount)
		} else {
			fmt.Fprintf(&b, " %d/%d", a.Count, a.Limit)
		}
	case KindRisk:
		fmt.Fprintf(&b, " level=%s factors=%s", a.Level, strings.Join(a.Factors, ","))
	case KindFactor:
		fmt.Fprintf(&b, " factor=%s", a.Scope)
	}
	if a.Blocked {
		b.WriteString(" (blocked)")
	}
	return b.String()
}

// Publisher is one alert channel.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, a *Alert) error
}

// thresholdPublisher drops alerts below a minimum severity.
type thresholdPublisher struct {
	Publisher
	min Severity
}

// WithMinSeverity gates p so that only alerts at or above min reach it.
func WithMinSeverity(p Publisher, min Severity) Publisher {
	return &thresholdPublisher{Publisher: p, min: min}
}

func (t *thresholdPublisher) Publish(ctx context.Context, a *Alert) error {
	if !a.Severity.AtLeast(t.min) {
		return nil
	}
	return t.Publisher.Publish(ctx, a)
}

// instrumentedPublisher counts every delivery attempt of its channel.
type instrumentedPublisher struct {
	Publisher
}

// Instrument counts p's deliveries in metrics.AlertDeliveriesTotal by
// channel name and result.
func Instrument(p Publisher) Publisher {
	return &instrumentedPublisher{Publisher: p}
}

func (i *instrumentedPublisher) Publish(ctx context.Context, a *Alert) error {
	err := i.Publisher.Publish(ctx, a)
	result := "delivered"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "circuit_open"
	case err != nil:
		result = "failed"
	}
	metrics.AlertDeliveriesTotal.WithLabelValues(i.Name(), result).Inc()
	return err
}
