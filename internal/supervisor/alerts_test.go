package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/eventlog"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

type alertFixture struct {
	center *alertCenter
	log    *eventlog.MemoryLog

	mu  sync.Mutex
	now time.Time
}

func newAlertFixture(t *testing.T) *alertFixture {
	t.Helper()
	fx := &alertFixture{
		log: eventlog.NewMemoryLog(1000),
		now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	// cooldown 5m, escalate 15m, max escalation 3
	fx.center = newAlertCenter(config.Default().Supervisor, fx.log, telemetry.New(), zerolog.Nop())
	fx.center.now = func() time.Time {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return fx.now
	}
	return fx
}

func (fx *alertFixture) advance(d time.Duration) {
	fx.mu.Lock()
	fx.now = fx.now.Add(d)
	fx.mu.Unlock()
}

func (fx *alertFixture) logged(t *testing.T) []eventlog.Entry {
	t.Helper()
	entries, err := fx.log.List(context.Background(), 0, 100, eventlog.KindAlert)
	require.NoError(t, err)
	return entries
}

func TestRaiseDeduplicatesWithinCooldown(t *testing.T) {
	fx := newAlertFixture(t)
	ctx := context.Background()

	first := fx.center.Raise(ctx, "risk", "violation_max_var", "var 0.06 over 0.05", 2)
	assert.Equal(t, 1, first.Count)
	require.Len(t, fx.logged(t), 1)

	fx.advance(time.Minute)
	repeat := fx.center.Raise(ctx, "risk", "violation_max_var", "var 0.07 over 0.05", 1)
	assert.Equal(t, first.ID, repeat.ID)
	assert.Equal(t, 2, repeat.Count)
	assert.Equal(t, 2, repeat.Level, "level never decreases on repeat")
	assert.Equal(t, "var 0.07 over 0.05", repeat.Detail)
	assert.Equal(t, first.LastRaisedAt, repeat.LastRaisedAt, "cooldown suppresses the re-raise timestamp")
	assert.Len(t, fx.logged(t), 1, "repeats within the cooldown are not re-logged")

	t.Run("re-raise outside the cooldown is recorded", func(t *testing.T) {
		fx.advance(6 * time.Minute)
		again := fx.center.Raise(ctx, "risk", "violation_max_var", "still over", 2)
		assert.Equal(t, 3, again.Count)
		assert.True(t, again.LastRaisedAt.After(first.LastRaisedAt))
		assert.Len(t, fx.logged(t), 2)
	})

	t.Run("different title is a distinct alert", func(t *testing.T) {
		other := fx.center.Raise(ctx, "risk", "violation_max_drawdown", "dd over", 2)
		assert.NotEqual(t, first.ID, other.ID)
		assert.Equal(t, 1, other.Count)
	})
}

func TestRaiseEscalatesUnacknowledged(t *testing.T) {
	fx := newAlertFixture(t)
	ctx := context.Background()

	first := fx.center.Raise(ctx, "market_data", "feed_disconnected", "alpha: read timeout", 2)
	fx.advance(16 * time.Minute)

	escalated := fx.center.Raise(ctx, "market_data", "feed_disconnected", "alpha: read timeout", 2)
	assert.Equal(t, first.ID, escalated.ID)
	assert.Equal(t, 3, escalated.Level)
	assert.False(t, escalated.EscalatedAt.IsZero())

	t.Run("escalation climbs one level per window", func(t *testing.T) {
		low := fx.center.Raise(ctx, "market_data", "feed_lossy", "gamma: 12% loss", 1)
		fx.advance(16 * time.Minute)

		step1 := fx.center.Raise(ctx, "market_data", "feed_lossy", "gamma: 12% loss", 1)
		assert.Equal(t, low.ID, step1.ID)
		assert.Equal(t, 2, step1.Level)

		// the next window is measured from the previous step
		fx.advance(5 * time.Minute)
		early := fx.center.Raise(ctx, "market_data", "feed_lossy", "gamma: 12% loss", 1)
		assert.Equal(t, 2, early.Level)

		fx.advance(11 * time.Minute)
		step2 := fx.center.Raise(ctx, "market_data", "feed_lossy", "gamma: 12% loss", 1)
		assert.Equal(t, 3, step2.Level)

		fx.advance(16 * time.Minute)
		capped := fx.center.Raise(ctx, "market_data", "feed_lossy", "gamma: 12% loss", 1)
		assert.Equal(t, 3, capped.Level, "level never exceeds the configured maximum")
	})

	t.Run("acknowledged alerts do not escalate", func(t *testing.T) {
		acked := fx.center.Raise(ctx, "market_data", "feed_degraded", "beta: slow", 2)
		require.NoError(t, fx.center.Ack(acked.ID, "alice"))
		fx.advance(16 * time.Minute)

		repeat := fx.center.Raise(ctx, "market_data", "feed_degraded", "beta: slow", 2)
		assert.Equal(t, 2, repeat.Level)
		assert.True(t, repeat.EscalatedAt.IsZero())
	})
}

func TestAckAndResolve(t *testing.T) {
	fx := newAlertFixture(t)
	alert := fx.center.Raise(context.Background(), "orders", "order_rejected", "BTC-USD: bad qty", 1)

	require.NoError(t, fx.center.Ack(alert.ID, "bob"))
	active := fx.center.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "bob", active[0].AckedBy)
	assert.False(t, active[0].AckedAt.IsZero())

	t.Run("second ack keeps the first acknowledger", func(t *testing.T) {
		require.NoError(t, fx.center.Ack(alert.ID, "carol"))
		assert.Equal(t, "bob", fx.center.Active()[0].AckedBy)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorContains(t, fx.center.Ack("alert-missing", "bob"), "not found")
		assert.ErrorContains(t, fx.center.Resolve("alert-missing"), "not found")
	})

	require.NoError(t, fx.center.Resolve(alert.ID))
	assert.Empty(t, fx.center.Active())
	assert.ErrorContains(t, fx.center.Ack(alert.ID, "bob"), "not found",
		"resolved alerts leave the index")
}

func TestResolveByKeyRetiresAndReopensFresh(t *testing.T) {
	fx := newAlertFixture(t)
	ctx := context.Background()

	first := fx.center.Raise(ctx, "compliance", "trs_warning", "correlation 0.81", 2)
	fx.center.ResolveByKey("compliance", "trs_warning")
	assert.Empty(t, fx.center.Active())

	t.Run("unknown key is a no-op", func(t *testing.T) {
		fx.center.ResolveByKey("compliance", "no_such_alert")
	})

	reopened := fx.center.Raise(ctx, "compliance", "trs_warning", "correlation 0.79", 2)
	assert.NotEqual(t, first.ID, reopened.ID)
	assert.Equal(t, 1, reopened.Count)
}

func TestActiveSortsNewestFirst(t *testing.T) {
	fx := newAlertFixture(t)
	ctx := context.Background()

	fx.center.Raise(ctx, "risk", "level_change", "green -> yellow", 1)
	fx.advance(time.Minute)
	fx.center.Raise(ctx, "orders", "symbol_quarantined", "BTC-USD: overfill", 3)
	fx.advance(time.Minute)
	fx.center.Raise(ctx, "market_data", "tick_quality", "alpha BTC-USD: stale", 1)

	active := fx.center.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "tick_quality", active[0].Title)
	assert.Equal(t, "symbol_quarantined", active[1].Title)
	assert.Equal(t, "level_change", active[2].Title)
}
