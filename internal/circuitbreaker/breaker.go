// Package circuitbreaker trips per-key circuits after consecutive
// failures. Alert channels key it by destination so a dead endpoint stops
// costing a retry budget on every alert.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is a circuit state.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls are refused
	StateHalfOpen              // one probe call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loyalty",
	Subsystem: "alert",
	Name:      "circuit_transitions_total",
	Help:      "Circuit breaker state changes by breaker and target state.",
}, []string{"breaker", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	since    time.Time // last failure while closed or open, probe start while half-open
}

// Breaker holds one circuit per key. A circuit opens after threshold
// consecutive failures; after cooldown it admits a single probe whose
// outcome closes or reopens it. A probe that never reports back is
// replaced after another cooldown.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	name      string
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithName labels the breaker's metrics.
func WithName(name string) Option {
	return func(b *Breaker) { b.name = name }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		name:      "default",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn if key's circuit admits it and records the outcome.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// Allow reports whether a call to key may proceed. Admitting the probe of
// an open circuit moves it to half-open.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		return true
	}
	if b.now().Sub(c.since) < b.cooldown {
		return false
	}
	b.move(c, StateHalfOpen)
	c.since = b.now()
	return true
}

// RecordSuccess closes key's circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		b.move(c, StateClosed)
		c.failures = 0
	}
}

// RecordFailure counts a failure. A failed probe reopens at once.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	c.since = b.now()
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		b.move(c, StateOpen)
	}
}

// State returns key's circuit state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) move(c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(b.name, to.String()).Inc()
}
