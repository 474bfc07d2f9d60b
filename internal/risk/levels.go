package risk

import (
	"time"

	"github.com/tradepilot/tradepilot/internal/config"
)

// levelMetrics are the inputs to the level state machine.
type levelMetrics struct {
	drawdown      float64
	volatility    float64
	var95         float64
	concentration float64
}

// levelTracker implements the Green/Yellow/Orange/Red hysteresis machine.
// Upgrades are immediate; downgrades require the metrics to hold inside the
// lower band for a dwell time, one level per dwell, which prevents flapping.
type levelTracker struct {
	cfg         config.RiskConfig
	level       Level
	stableSince time.Time
}

func newLevelTracker(cfg config.RiskConfig) *levelTracker {
	return &levelTracker{cfg: cfg}
}

// target maps raw metrics to the level their thresholds demand.
func (t *levelTracker) target(m levelMetrics) Level {
	switch {
	case m.drawdown > t.cfg.RedDrawdown || m.volatility > t.cfg.RedVol || m.var95 > t.cfg.MaxVaR:
		return Red
	case m.drawdown > t.cfg.OrangeDrawdown || m.volatility > t.cfg.OrangeVol:
		return Orange
	case m.drawdown > t.cfg.YellowDrawdown || m.volatility > t.cfg.YellowVol ||
		m.concentration > t.cfg.YellowConcentration:
		return Yellow
	default:
		return Green
	}
}

// evaluate advances the machine and reports whether the level changed.
func (t *levelTracker) evaluate(m levelMetrics, now time.Time) (Level, bool) {
	target := t.target(m)

	switch {
	case target > t.level:
		t.level = target
		t.stableSince = time.Time{}
		return t.level, true

	case target < t.level:
		if t.stableSince.IsZero() {
			t.stableSince = now
			return t.level, false
		}
		dwell := t.cfg.DowngradeDwell
		if t.level == Red {
			dwell = t.cfg.RedDowngradeDwell
		}
		if now.Sub(t.stableSince) >= dwell {
			t.level--
			t.stableSince = now // next downgrade needs its own dwell
			return t.level, true
		}
		return t.level, false

	default:
		t.stableSince = time.Time{}
		return t.level, false
	}
}
