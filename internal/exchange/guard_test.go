package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardPassesThroughSuccess(t *testing.T) {
	g := NewGuard("test", 100, 10, zerolog.Nop())
	calls := 0
	err := g.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, g.Available())
}

func TestGuardTripsAfterConsecutiveFailures(t *testing.T) {
	g := NewGuard("test", 1000, 100, zerolog.Nop())
	boom := errors.New("venue down")

	for i := 0; i < 5; i++ {
		err := g.Do(context.Background(), func() error { return boom })
		require.Error(t, err)
	}
	assert.False(t, g.Available(), "breaker should open after 5 consecutive failures")

	// while open, calls fail fast with a transient classification
	err := g.Do(context.Background(), func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestGuardThrottleDelaysCalls(t *testing.T) {
	g := NewGuard("test", 1000, 100, zerolog.Nop())
	g.Throttle(50 * time.Millisecond)

	start := time.Now()
	err := g.Do(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGuardThrottleRespectsContext(t *testing.T) {
	g := NewGuard("test", 1000, 100, zerolog.Nop())
	g.Throttle(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
