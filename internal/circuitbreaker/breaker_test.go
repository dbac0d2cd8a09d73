package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, cooldown, WithClock(clock.Now), WithName("test")), clock
}

func TestBreaker_TripsAfterThresholdPerKey(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	hook := "https://hooks.example.com/a"

	b.RecordFailure(hook)
	b.RecordFailure(hook)
	assert.True(t, b.Allow(hook), "below threshold")

	b.RecordFailure(hook)
	assert.False(t, b.Allow(hook))
	assert.Equal(t, StateOpen, b.State(hook))
	assert.Equal(t, StateClosed, b.State("https://hooks.example.com/b"))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_ProbeClosesOrReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("k")
	b.RecordFailure("k")

	clock.Advance(59 * time.Second)
	assert.False(t, b.Allow("k"), "still cooling down")

	clock.Advance(time.Second)
	require.True(t, b.Allow("k"), "probe admitted")
	assert.Equal(t, StateHalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "one probe at a time")

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"), "failed probe reopens")

	clock.Advance(time.Minute)
	require.True(t, b.Allow("k"))
	b.RecordSuccess("k")
	assert.Equal(t, StateClosed, b.State("k"))
	assert.True(t, b.Allow("k"))
}

func TestBreaker_LostProbeIsReplaced(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure("k")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("k"))

	clock.Advance(30 * time.Second)
	assert.False(t, b.Allow("k"))
	clock.Advance(30 * time.Second)
	assert.True(t, b.Allow("k"), "probe that never reported is replaced")
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	boom := errors.New("boom")

	assert.NoError(t, b.Execute("k", func() error { return nil }))
	assert.ErrorIs(t, b.Execute("k", func() error { return boom }), boom)

	called := false
	err := b.Execute("k", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_CountsTransitions(t *testing.T) {
	before := promtest.ToFloat64(transitionsTotal.WithLabelValues("test", "open"))
	b, _ := newTestBreaker(1, time.Hour)
	b.RecordFailure("k")
	b.RecordFailure("k")
	assert.Equal(t, before+1, promtest.ToFloat64(transitionsTotal.WithLabelValues("test", "open")))
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
