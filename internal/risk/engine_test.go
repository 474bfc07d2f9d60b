package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

func looseRiskConfig() config.RiskConfig {
	cfg := config.Default().Risk
	cfg.MaxPositionNotional = 10_000_000
	cfg.MaxConcentration = 2 // effectively off for unit tests
	cfg.MaxVaR = 10
	cfg.MaxDrawdown = 1
	return cfg
}

func testEngine(t *testing.T, cfg config.RiskConfig) (*Engine, *time.Time) {
	t.Helper()
	e := NewEngine(cfg, telemetry.New(), zerolog.Nop())
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return now })
	return e, &now
}

func buyFill(id, symbol string, qty, price float64) domain.Fill {
	return domain.Fill{ID: id, OrderID: "o-" + id, Symbol: symbol, Side: domain.Buy, Qty: qty, Price: price}
}

func sellFill(id, symbol string, qty, price float64) domain.Fill {
	return domain.Fill{ID: id, OrderID: "o-" + id, Symbol: symbol, Side: domain.Sell, Qty: qty, Price: price}
}

func drainRiskEvents(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEvaluateTradeApprovesWithinLimits(t *testing.T) {
	e, _ := testEngine(t, looseRiskConfig())
	d := e.EvaluateTrade("BTC-USD", 1, 50_000)
	assert.True(t, d.Approved)
	assert.Empty(t, d.Reasons)
}

func TestEvaluateTradeRejectsDegenerateInput(t *testing.T) {
	e, _ := testEngine(t, looseRiskConfig())
	assert.False(t, e.EvaluateTrade("BTC-USD", 0, 50_000).Approved)
	assert.False(t, e.EvaluateTrade("BTC-USD", 1, 0).Approved)
	assert.False(t, e.EvaluateTrade("BTC-USD", 1, -5).Approved)
}

func TestEvaluateTradeNotionalLimitWithScaleDown(t *testing.T) {
	cfg := looseRiskConfig()
	cfg.MaxPositionNotional = 100_000
	e, _ := testEngine(t, cfg)

	d := e.EvaluateTrade("BTC-USD", 3, 50_000)
	require.False(t, d.Approved)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, RuleNotional, d.Reasons[0].Rule)
	assert.Equal(t, 150_000.0, d.Reasons[0].Actual)
	// the largest qty inside the notional limit
	assert.InDelta(t, 2.0, d.AdjustedQty, 1e-9)
}

func TestEvaluateTradeInsufficientCash(t *testing.T) {
	e, _ := testEngine(t, looseRiskConfig())

	d := e.EvaluateTrade("BTC-USD", 30, 50_000) // 1.5M against 1M cash
	require.False(t, d.Approved)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, RuleCash, d.Reasons[0].Rule)
	assert.InDelta(t, 20.0, d.AdjustedQty, 1e-9)

	t.Run("sells need no cash", func(t *testing.T) {
		d := e.EvaluateTrade("BTC-USD", -30, 50_000)
		assert.True(t, d.Approved)
	})
}

func TestEvaluateTradeConcentrationLimit(t *testing.T) {
	cfg := looseRiskConfig()
	cfg.MaxConcentration = 0.35
	e, _ := testEngine(t, cfg)

	// 400k projected against a 1M portfolio is 40% concentration
	d := e.EvaluateTrade("BTC-USD", 8, 50_000)
	require.False(t, d.Approved)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, RuleConcentration, d.Reasons[0].Rule)
	assert.InDelta(t, 0.4, d.Reasons[0].Actual, 1e-9)
	// 0.35 * 1M / 50k = 7
	assert.InDelta(t, 7.0, d.AdjustedQty, 1e-9)
}

func TestEvaluateTradeReducingExposureAlwaysApproved(t *testing.T) {
	cfg := looseRiskConfig()
	cfg.MaxDrawdown = 0.01
	e, _ := testEngine(t, cfg)

	require.NoError(t, e.ApplyFill(buyFill("f1", "BTC-USD", 2, 50_000)))
	e.MarkPrice("BTC-USD", 25_000) // portfolio drops 50k, drawdown breached

	opening := e.EvaluateTrade("BTC-USD", 1, 25_000)
	require.False(t, opening.Approved)
	assert.Equal(t, RuleDrawdown, opening.Reasons[0].Rule)
	assert.Zero(t, opening.AdjustedQty, "no size passes while drawdown is breached")

	closing := e.EvaluateTrade("BTC-USD", -2, 25_000)
	assert.True(t, closing.Approved, "the engine must never trap a flagged position")

	partial := e.EvaluateTrade("BTC-USD", -1, 25_000)
	assert.True(t, partial.Approved)
}

func TestApplyFillLifecycle(t *testing.T) {
	e, _ := testEngine(t, looseRiskConfig())

	t.Run("open and weight entry", func(t *testing.T) {
		require.NoError(t, e.ApplyFill(buyFill("f1", "BTC-USD", 1, 50_000)))
		require.NoError(t, e.ApplyFill(buyFill("f2", "BTC-USD", 1, 52_000)))

		snap := e.Snapshot()
		require.Len(t, snap.Positions, 1)
		assert.Equal(t, 2.0, snap.Positions[0].SignedQty)
		assert.InDelta(t, 51_000, snap.Positions[0].EntryPrice, 1e-9)
		assert.Equal(t, domain.USD(1_000_000-102_000), snap.Cash)
	})

	t.Run("duplicate fill is a no-op", func(t *testing.T) {
		before := e.Snapshot()
		require.NoError(t, e.ApplyFill(buyFill("f2", "BTC-USD", 1, 52_000)))
		after := e.Snapshot()
		assert.Equal(t, before.Cash, after.Cash)
		assert.Equal(t, before.Positions[0].SignedQty, after.Positions[0].SignedQty)
	})

	t.Run("reduce realizes pnl", func(t *testing.T) {
		require.NoError(t, e.ApplyFill(sellFill("f3", "BTC-USD", 1, 53_000)))
		snap := e.Snapshot()
		require.Len(t, snap.Positions, 1)
		assert.Equal(t, 1.0, snap.Positions[0].SignedQty)
		assert.Equal(t, domain.USD(2_000), snap.Positions[0].RealizedPnL)
	})

	t.Run("close deletes the position", func(t *testing.T) {
		require.NoError(t, e.ApplyFill(sellFill("f4", "BTC-USD", 1, 53_000)))
		assert.Empty(t, e.Snapshot().Positions)
	})

	t.Run("invalid fill rejected", func(t *testing.T) {
		assert.Error(t, e.ApplyFill(domain.Fill{ID: "bad", Symbol: "BTC-USD", Side: domain.Buy, Qty: 0, Price: 50_000}))
		assert.Error(t, e.ApplyFill(domain.Fill{ID: "bad2", Symbol: "BTC-USD", Side: domain.Buy, Qty: 1, Price: 0}))
	})
}

func TestApplyFillFlipThroughZero(t *testing.T) {
	e, _ := testEngine(t, looseRiskConfig())

	require.NoError(t, e.ApplyFill(buyFill("f1", "ETH-USD", 1, 3_000)))
	require.NoError(t, e.ApplyFill(sellFill("f2", "ETH-USD", 3, 3_100)))

	snap := e.Snapshot()
	require.Len(t, snap.Positions, 1)
	pos := snap.Positions[0]
	assert.Equal(t, -2.0, pos.SignedQty)
	assert.Equal(t, 3_100.0, pos.EntryPrice, "entry resets at the flip price")
	assert.Equal(t, domain.USD(100), pos.RealizedPnL)
}

func TestApplyFillCommissionReducesCash(t *testing.T) {
	e, _ := testEngine(t, looseRiskConfig())

	fill := buyFill("f1", "BTC-USD", 1, 50_000)
	fill.Commission = domain.USD(25)
	require.NoError(t, e.ApplyFill(fill))
	assert.Equal(t, domain.USD(1_000_000-50_000-25), e.Snapshot().Cash)
}

func TestForcedCloseSizes(t *testing.T) {
	e, _ := testEngine(t, looseRiskConfig())

	require.NoError(t, e.ApplyFill(buyFill("f1", "BTC-USD", 2, 50_000)))
	require.NoError(t, e.ApplyFill(sellFill("f2", "ETH-USD", 5, 3_000)))

	sizes := e.ForcedCloseSizes()
	assert.Equal(t, map[string]float64{"BTC-USD": -2, "ETH-USD": 5}, sizes)
}

func TestDrawdownViolationOpensAndCloses(t *testing.T) {
	cfg := looseRiskConfig()
	cfg.MaxDrawdown = 0.02
	e, _ := testEngine(t, cfg)

	require.NoError(t, e.ApplyFill(buyFill("f1", "BTC-USD", 4, 50_000)))
	drainRiskEvents(e)

	e.MarkPrice("BTC-USD", 40_000) // portfolio down 40k of 1M, 4% drawdown

	var opened bool
	for _, ev := range drainRiskEvents(e) {
		if v, ok := ev.(ViolationOpened); ok && v.Violation.Rule == RuleDrawdown {
			opened = true
			assert.InDelta(t, 0.04, v.Violation.Actual, 1e-9)
		}
	}
	require.True(t, opened)
	assert.Equal(t, 1, e.Snapshot().OpenViolations)

	e.MarkPrice("BTC-USD", 50_000) // back to the peak

	var closed bool
	for _, ev := range drainRiskEvents(e) {
		if v, ok := ev.(ViolationClosed); ok && v.Violation.Rule == RuleDrawdown {
			closed = true
		}
	}
	assert.True(t, closed)
	assert.Zero(t, e.Snapshot().OpenViolations)

	t.Run("re-breach opens a fresh violation", func(t *testing.T) {
		e.MarkPrice("BTC-USD", 40_000)
		var again bool
		for _, ev := range drainRiskEvents(e) {
			if _, ok := ev.(ViolationOpened); ok {
				again = true
			}
		}
		assert.True(t, again)
	})
}

func TestLevelTransitionEmitted(t *testing.T) {
	cfg := looseRiskConfig()
	cfg.YellowDrawdown = 0.03
	e, _ := testEngine(t, cfg)

	require.NoError(t, e.ApplyFill(buyFill("f1", "BTC-USD", 4, 50_000)))
	drainRiskEvents(e)

	e.MarkPrice("BTC-USD", 40_000)

	var transition *LevelTransition
	for _, ev := range drainRiskEvents(e) {
		if lt, ok := ev.(LevelTransition); ok {
			transition = &lt
		}
	}
	require.NotNil(t, transition)
	assert.Equal(t, Green, transition.From)
	assert.Equal(t, Yellow, transition.To)
	assert.Equal(t, Yellow, e.Level())
}
