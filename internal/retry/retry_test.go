package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func TestPolicyDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicyDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	assert.EqualError(t, err, "still down")
	assert.Equal(t, 3, calls)
}

func TestPolicyDo_PermanentStopsAtOnce(t *testing.T) {
	rejected := errors.New("400 bad request")
	calls := 0
	err := fast.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(rejected)
	})
	assert.Equal(t, rejected, err, "unwrapped")
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}

func TestPolicyDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestPolicyDo_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{MaxAttempts: 5, BaseDelay: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicyDo_HonoursRequestedDelayUpToCap(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Hour, MaxDelay: 20 * time.Millisecond}
	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return After(errors.New("429"), time.Minute)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "capped by MaxDelay")

	var de *DelayError
	assert.True(t, errors.As(After(errors.New("503"), time.Second), &de))
	assert.NoError(t, After(nil, time.Second))
}

func TestJittered(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jittered(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jittered(0))
	assert.Equal(t, time.Duration(3), jittered(3))
}
