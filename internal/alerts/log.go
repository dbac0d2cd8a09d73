package alerts

import (
	"context"
	"log/slog"
	"sync"
)

// LogPublisher writes alerts to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher logging through logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(ctx context.Context, a *Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "antifraud alert",
		"kind", a.Kind,
		"merchant", a.MerchantID,
		"operation", a.Operation,
		"scope", a.Scope,
		"count", a.Count,
		"limit", a.Limit,
		"level", a.Level,
		"factors", a.Factors,
		"customer", a.CustomerID,
		"blocked", a.Blocked,
	)
	return nil
}

// MemoryPublisher keeps alerts in memory. Used by tests and demo mode.
type MemoryPublisher struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Name() string { return "memory" }

func (p *MemoryPublisher) Publish(_ context.Context, a *Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	cp := *a
	cp.Factors = append([]string(nil), a.Factors...)
	p.alerts = append(p.alerts, &cp)
	return nil
}

// FailWith makes every later Publish return err.
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Alerts returns a snapshot of everything published so far.
func (p *MemoryPublisher) Alerts() []*Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Alert(nil), p.alerts...)
}
