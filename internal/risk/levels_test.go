package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tradepilot/tradepilot/internal/config"
)

func trackerConfig() config.RiskConfig {
	cfg := config.Default().Risk
	cfg.DowngradeDwell = 5 * time.Minute
	cfg.RedDowngradeDwell = 10 * time.Minute
	return cfg
}

func TestLevelTargetBands(t *testing.T) {
	tr := newLevelTracker(trackerConfig())
	cases := []struct {
		name string
		m    levelMetrics
		want Level
	}{
		{"calm", levelMetrics{drawdown: 0.01, volatility: 0.10}, Green},
		{"yellow drawdown", levelMetrics{drawdown: 0.06}, Yellow},
		{"yellow concentration", levelMetrics{concentration: 0.40}, Yellow},
		{"orange vol", levelMetrics{volatility: 0.40}, Orange},
		{"red drawdown", levelMetrics{drawdown: 0.15}, Red},
		{"red var", levelMetrics{var95: 0.06}, Red},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tr.target(tc.m))
		})
	}
}

func TestLevelUpgradeIsImmediate(t *testing.T) {
	tr := newLevelTracker(trackerConfig())
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	level, changed := tr.evaluate(levelMetrics{drawdown: 0.15}, now)
	assert.True(t, changed)
	assert.Equal(t, Red, level)
}

func TestLevelDowngradeRequiresDwell(t *testing.T) {
	tr := newLevelTracker(trackerConfig())
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	calm := levelMetrics{}

	tr.evaluate(levelMetrics{drawdown: 0.09}, now) // straight to Orange

	// first calm observation only starts the dwell clock
	level, changed := tr.evaluate(calm, now.Add(time.Minute))
	assert.False(t, changed)
	assert.Equal(t, Orange, level)

	// still inside the dwell window
	level, changed = tr.evaluate(calm, now.Add(3*time.Minute))
	assert.False(t, changed)
	assert.Equal(t, Orange, level)

	// dwell satisfied: one level down, not straight to Green
	level, changed = tr.evaluate(calm, now.Add(7*time.Minute))
	assert.True(t, changed)
	assert.Equal(t, Yellow, level)

	// the next downgrade needs its own dwell
	level, changed = tr.evaluate(calm, now.Add(8*time.Minute))
	assert.False(t, changed)
	assert.Equal(t, Yellow, level)

	level, changed = tr.evaluate(calm, now.Add(13*time.Minute))
	assert.True(t, changed)
	assert.Equal(t, Green, level)
}

func TestLevelRedDowngradeUsesLongerDwell(t *testing.T) {
	tr := newLevelTracker(trackerConfig())
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	calm := levelMetrics{}

	tr.evaluate(levelMetrics{drawdown: 0.15}, now)
	tr.evaluate(calm, now.Add(time.Minute)) // dwell clock starts

	// the ordinary dwell has elapsed but Red requires more
	level, changed := tr.evaluate(calm, now.Add(7*time.Minute))
	assert.False(t, changed)
	assert.Equal(t, Red, level)

	level, changed = tr.evaluate(calm, now.Add(12*time.Minute))
	assert.True(t, changed)
	assert.Equal(t, Orange, level)
}

func TestLevelRelapseResetsDwell(t *testing.T) {
	tr := newLevelTracker(trackerConfig())
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tr.evaluate(levelMetrics{drawdown: 0.09}, now)
	tr.evaluate(levelMetrics{}, now.Add(time.Minute)) // dwell starts
	tr.evaluate(levelMetrics{drawdown: 0.09}, now.Add(2*time.Minute))

	// the relapse cleared the dwell clock; calm must hold a full dwell again
	level, changed := tr.evaluate(levelMetrics{}, now.Add(5*time.Minute))
	assert.False(t, changed)
	assert.Equal(t, Orange, level)

	level, changed = tr.evaluate(levelMetrics{}, now.Add(11*time.Minute))
	assert.True(t, changed)
	assert.Equal(t, Yellow, level)
}

func TestReturnWindowVolatility(t *testing.T) {
	w := newReturnWindow(10)
	w.observe(100)
	assert.Zero(t, w.annualizedVol(288), "one observation yields no returns")

	w.observe(101)
	assert.Zero(t, w.annualizedVol(288), "a single return has no spread")

	w.observe(100)
	assert.Positive(t, w.annualizedVol(288))

	t.Run("window is bounded", func(t *testing.T) {
		w := newReturnWindow(3)
		for _, v := range []float64{100, 101, 102, 103, 104, 105} {
			w.observe(v)
		}
		assert.Len(t, w.samples, 3)
	})
}

func TestVar95FromVol(t *testing.T) {
	assert.Zero(t, var95FromVol(0))
	assert.InDelta(t, 1.645*0.5/19.1049731745, var95FromVol(0.5), 1e-6)
}
