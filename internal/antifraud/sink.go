package antifraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/loyaltyhub/antifraud/internal/alerts"
	"github.com/loyaltyhub/antifraud/internal/idgen"
)

// AlertPublisher is one alert channel (see package alerts).
type AlertPublisher interface {
	Name() string
	Publish(ctx context.Context, a *alerts.Alert) error
}

// Sink performs every side effect of an evaluation: audit writes and alert
// deliveries. All methods return immediately; failures and panics are
// logged and counted, never returned.
type Sink struct {
	audit      AuditStore
	publishers []AlertPublisher
	logger     *slog.Logger
	timeout    time.Duration
	wg         conc.WaitGroup
}

// NewSink creates a sink. audit may be nil to disable audit writes.
func NewSink(audit AuditStore, logger *slog.Logger, publishers ...AlertPublisher) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		audit:      audit,
		publishers: publishers,
		logger:     logger,
		timeout:    10 * time.Second,
	}
}

// Record persists rec asynchronously.
func (s *Sink) Record(ctx context.Context, rec *AuditRecord) {
	if s == nil || s.audit == nil || rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("fc_")
	}
	if rec.Actor == "" {
		rec.Actor = AuditActor
	}
	s.spawn(ctx, "audit", func(ctx context.Context) error {
		return s.audit.Record(ctx, rec)
	})
}

// Alert delivers a to every publisher asynchronously.
func (s *Sink) Alert(ctx context.Context, a *alerts.Alert) {
	if s == nil || a == nil {
		return
	}
	if a.ID == "" {
		a.ID = idgen.WithPrefix("alr_")
	}
	for _, p := range s.publishers {
		s.spawn(ctx, "alert_"+p.Name(), func(ctx context.Context) error {
			return p.Publish(ctx, a)
		})
	}
}

// Flush waits for in-flight side effects. Used on shutdown and in tests.
func (s *Sink) Flush() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

// spawn runs fn on a context detached from the request's cancellation but
// keeping its values (trace, request id).
func (s *Sink) spawn(parent context.Context, kind string, fn func(ctx context.Context) error) {
	detached := context.WithoutCancel(parent)
	s.wg.Go(func() {
		ctx, cancel := context.WithTimeout(detached, s.timeout)
		defer cancel()
		if err := s.guard(ctx, fn); err != nil {
			sinkErrorsTotal.WithLabelValues(kind).Inc()
			s.logger.Warn("antifraud: side effect failed", "kind", kind, "error", err)
		}
	})
}

func (s *Sink) guard(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
