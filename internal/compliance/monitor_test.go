package compliance

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/eventlog"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// fakeTarget records corrective calls from the monitor.
type fakeTarget struct {
	adjusted   []float64
	adjustErr  error
	pauseCalls []string
	value      float64
}

func (f *fakeTarget) AdjustParameter(name string, delta float64) (float64, error) {
	if f.adjustErr != nil {
		return 0, f.adjustErr
	}
	f.adjusted = append(f.adjusted, delta)
	f.value += delta
	return f.value, nil
}

func (f *fakeTarget) PauseNewOrders(reason string) {
	f.pauseCalls = append(f.pauseCalls, reason)
}

// pairsWithR replicates a three-point pattern whose Pearson r is sqrt(3)/2.
func partialPairs(n int) []Prediction {
	base := [][2]float64{{1, 1}, {2, 2}, {3, 2}}
	out := make([]Prediction, 0, n)
	for i := 0; i < n; i++ {
		p := base[i%3]
		out = append(out, Prediction{Symbol: "BTC-USD", Predicted: p[0], Realized: p[1]})
	}
	return out
}

func perfectPairs(n int) []Prediction {
	out := make([]Prediction, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Prediction{Symbol: "BTC-USD", Predicted: float64(i), Realized: float64(i) * 2})
	}
	return out
}

func invertedPairs(n int) []Prediction {
	out := make([]Prediction, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Prediction{Symbol: "BTC-USD", Predicted: float64(i), Realized: -float64(i)})
	}
	return out
}

type monitorFixture struct {
	monitor *Monitor
	source  *StaticOutcomeSource
	target  *fakeTarget
	log     *eventlog.MemoryLog
	now     time.Time
}

func newMonitorFixture(t *testing.T, cfg config.ComplianceConfig) *monitorFixture {
	t.Helper()
	fx := &monitorFixture{
		source: &StaticOutcomeSource{},
		target: &fakeTarget{value: 0.5},
		log:    eventlog.NewMemoryLog(1000),
		now:    time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	fx.monitor = NewMonitor(cfg, fx.source, fx.target, fx.log, telemetry.New(), zerolog.Nop())
	fx.monitor.SetClock(func() time.Time { return fx.now })
	return fx
}

func (fx *monitorFixture) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-fx.monitor.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func bandConfig() config.ComplianceConfig {
	cfg := config.Default().Compliance
	cfg.Target = 0.95
	cfg.WarningThreshold = 0.90
	cfg.CriticalThreshold = 0.80
	cfg.MinSamples = 6
	cfg.SampleSize = 12
	return cfg
}

func TestMeasureStatusBands(t *testing.T) {
	r := math.Sqrt(3) / 2 // about 0.866
	warnCfg := func() config.ComplianceConfig {
		cfg := bandConfig()
		cfg.WarningThreshold = 0.85
		return cfg
	}
	cases := []struct {
		name  string
		cfg   func() config.ComplianceConfig
		pairs []Prediction
		want  Status
		wantR float64
	}{
		{"compliant", bandConfig, perfectPairs(12), Compliant, 1},
		{"warning", warnCfg, partialPairs(12), Warning, r},
		{"critical", bandConfig, partialPairs(12), Critical, r},
		{"emergency", bandConfig, invertedPairs(12), Emergency, -1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newMonitorFixture(t, tc.cfg())
			fx.source.Set = tc.pairs

			m := fx.monitor.MeasureOnce(context.Background())
			assert.Equal(t, tc.want, m.Status)
			assert.InDelta(t, tc.wantR, m.Measured, 1e-9)
			assert.InDelta(t, fx.monitor.cfg.Target-tc.wantR, m.Gap, 1e-9)
			assert.Equal(t, 12, m.SampleSize)
		})
	}
}

func TestMeasureUnknownBelowMinSamples(t *testing.T) {
	fx := newMonitorFixture(t, bandConfig())
	fx.source.Set = perfectPairs(3) // below MinSamples of 6

	m := fx.monitor.MeasureOnce(context.Background())
	assert.Equal(t, Unknown, m.Status)
	assert.Equal(t, 1.0, m.PValue)
	assert.Equal(t, -1.0, m.CILow)
	assert.Equal(t, 1.0, m.CIHigh)
	assert.Equal(t, fx.monitor.cfg.Target, m.Gap)

	allowed, latest := fx.monitor.OrdersAllowed()
	assert.True(t, allowed, "unknown status never blocks orders")
	assert.Equal(t, Unknown, latest.Status)
}

func TestEmergencyBreachPausesOrders(t *testing.T) {
	fx := newMonitorFixture(t, bandConfig())
	fx.source.Set = invertedPairs(12)

	m := fx.monitor.MeasureOnce(context.Background())
	require.Equal(t, Emergency, m.Status)
	assert.Equal(t, []string{"trs_emergency"}, fx.target.pauseCalls)

	var breach bool
	for _, ev := range fx.drain() {
		if _, ok := ev.(EmergencyBreach); ok {
			breach = true
		}
	}
	assert.True(t, breach)

	allowed, _ := fx.monitor.OrdersAllowed()
	assert.False(t, allowed)

	t.Run("no corrective action during emergency", func(t *testing.T) {
		assert.Empty(t, fx.target.adjusted)
	})

	t.Run("measurement is logged", func(t *testing.T) {
		entries, err := fx.log.List(context.Background(), 0, 10, eventlog.KindCompliance)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestManualOverrideUnblocksEmergency(t *testing.T) {
	fx := newMonitorFixture(t, bandConfig())
	fx.source.Set = invertedPairs(12)
	fx.monitor.MeasureOnce(context.Background())

	t.Run("requires caller and reason", func(t *testing.T) {
		assert.Error(t, fx.monitor.ManualOverride(context.Background(), "", "incident", time.Hour))
		assert.Error(t, fx.monitor.ManualOverride(context.Background(), "ops", "", time.Hour))
	})

	require.NoError(t, fx.monitor.ManualOverride(context.Background(), "ops", "false positive", time.Hour))
	allowed, _ := fx.monitor.OrdersAllowed()
	assert.True(t, allowed)

	t.Run("audited", func(t *testing.T) {
		entries, err := fx.log.List(context.Background(), 0, 10, eventlog.KindAudit)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "compliance_override", entries[0].Key)
	})

	t.Run("expires", func(t *testing.T) {
		fx.now = fx.now.Add(2 * time.Hour)
		allowed, _ := fx.monitor.OrdersAllowed()
		assert.False(t, allowed)
	})
}

func TestCorrectiveActionLifecycle(t *testing.T) {
	cfg := bandConfig() // partial pairs land in Critical
	fx := newMonitorFixture(t, cfg)
	fx.source.Set = partialPairs(12)

	first := fx.monitor.MeasureOnce(context.Background())
	require.Equal(t, Critical, first.Status)
	require.Equal(t, []float64{0.10}, fx.target.adjusted)

	var proposed *CorrectiveAction
	for _, ev := range fx.drain() {
		if p, ok := ev.(CorrectiveActionProposed); ok {
			proposed = &p.Action
		}
	}
	require.NotNil(t, proposed)
	assert.Equal(t, "min_confidence", proposed.Parameter)
	assert.Equal(t, ActionApplied, proposed.State)
	assert.InDelta(t, first.Measured, proposed.BaselineCorrelation, 1e-9)
	assert.Equal(t, fx.now.Add(cfg.ActionTimeout), proposed.Deadline)

	t.Run("only one pending action", func(t *testing.T) {
		fx.now = fx.now.Add(time.Minute) // before the deadline
		fx.monitor.MeasureOnce(context.Background())
		assert.Len(t, fx.target.adjusted, 1)
	})

	t.Run("resolves success after the deadline", func(t *testing.T) {
		fx.source.Set = perfectPairs(12) // correlation recovered
		fx.now = fx.now.Add(cfg.ActionTimeout)
		fx.monitor.MeasureOnce(context.Background())

		var resolved *CorrectiveAction
		for _, ev := range fx.drain() {
			if r, ok := ev.(CorrectiveActionResolved); ok {
				resolved = &r.Action
			}
		}
		require.NotNil(t, resolved)
		assert.Equal(t, ActionSucceeded, resolved.State)
	})
}

func TestCorrectiveActionFailsWithoutImprovement(t *testing.T) {
	cfg := bandConfig()
	fx := newMonitorFixture(t, cfg)
	fx.source.Set = partialPairs(12)

	fx.monitor.MeasureOnce(context.Background())
	fx.drain()

	// correlation does not move; deadline passes
	fx.now = fx.now.Add(cfg.ActionTimeout + time.Minute)
	fx.monitor.MeasureOnce(context.Background())

	var resolved *CorrectiveAction
	for _, ev := range fx.drain() {
		if r, ok := ev.(CorrectiveActionResolved); ok {
			resolved = &r.Action
		}
	}
	require.NotNil(t, resolved)
	assert.Equal(t, ActionFailed, resolved.State)
}

func TestCorrectiveActionRejectedByTarget(t *testing.T) {
	fx := newMonitorFixture(t, bandConfig())
	fx.source.Set = partialPairs(12)
	fx.target.adjustErr = fmt.Errorf("parameter locked")

	fx.monitor.MeasureOnce(context.Background())

	var resolved *CorrectiveAction
	for _, ev := range fx.drain() {
		if r, ok := ev.(CorrectiveActionResolved); ok {
			resolved = &r.Action
		}
	}
	require.NotNil(t, resolved)
	assert.Equal(t, ActionFailed, resolved.State)

	t.Run("a fresh action may follow", func(t *testing.T) {
		fx.target.adjustErr = nil
		fx.monitor.MeasureOnce(context.Background())
		assert.Equal(t, []float64{0.10}, fx.target.adjusted)
	})
}

func TestCorrectiveDeltaClampedToConfiguredMax(t *testing.T) {
	cfg := bandConfig()
	cfg.MaxAdjustment = 0.04
	fx := newMonitorFixture(t, cfg)
	fx.source.Set = partialPairs(12)

	fx.monitor.MeasureOnce(context.Background())
	require.Equal(t, []float64{0.04}, fx.target.adjusted)
}

func TestNegativeTrendRaisesSeverity(t *testing.T) {
	cfg := bandConfig()
	cfg.WarningThreshold = 0.40
	cfg.CriticalThreshold = 0.20
	cfg.AutoCorrect = false
	fx := newMonitorFixture(t, cfg)

	fx.source.Set = partialPairs(12) // r about 0.866
	fx.monitor.MeasureOnce(context.Background())
	fx.drain()

	// second cycle measures lower: pattern (1,2)(2,1)(3,3) has r of 0.5
	fx.source.Set = []Prediction{
		{Predicted: 1, Realized: 2}, {Predicted: 2, Realized: 1}, {Predicted: 3, Realized: 3},
		{Predicted: 1, Realized: 2}, {Predicted: 2, Realized: 1}, {Predicted: 3, Realized: 3},
		{Predicted: 1, Realized: 2}, {Predicted: 2, Realized: 1}, {Predicted: 3, Realized: 3},
		{Predicted: 1, Realized: 2}, {Predicted: 2, Realized: 1}, {Predicted: 3, Realized: 3},
	}
	fx.now = fx.now.Add(time.Minute)
	m := fx.monitor.MeasureOnce(context.Background())
	assert.Negative(t, m.TrendSlope)

	var violation *ViolationEvent
	for _, ev := range fx.drain() {
		if v, ok := ev.(ViolationEvent); ok {
			violation = &v
		}
	}
	require.NotNil(t, violation)
	assert.Equal(t, 1, violation.Severity)
}

// signPairs builds balanced +/-1 pairs: agree pairs match signs, disagree
// pairs oppose them, and each group splits evenly so both means are zero.
// Pearson r is exactly (agree-disagree)/(agree+disagree).
func signPairs(agree, disagree int) []Prediction {
	var out []Prediction
	add := func(p, r float64, n int) {
		for i := 0; i < n; i++ {
			out = append(out, Prediction{Symbol: "BTC-USD", Predicted: p, Realized: r})
		}
	}
	add(1, 1, agree/2)
	add(-1, -1, agree-agree/2)
	add(1, -1, disagree/2)
	add(-1, 1, disagree-disagree/2)
	return out
}

func TestCriticalBandAboveEmergencyFloor(t *testing.T) {
	cfg := config.Default().Compliance
	cfg.MinSamples = 6
	cfg.SampleSize = 14
	cfg.AutoCorrect = false
	fx := newMonitorFixture(t, cfg)

	// r = 10/14, below the 0.75 critical threshold but above the 0.70
	// emergency floor
	fx.source.Set = signPairs(12, 2)

	m := fx.monitor.MeasureOnce(context.Background())
	assert.InDelta(t, 10.0/14.0, m.Measured, 1e-9)
	assert.Equal(t, Critical, m.Status)

	allowed, _ := fx.monitor.OrdersAllowed()
	assert.True(t, allowed, "critical degrades but never blocks orders")
	assert.Empty(t, fx.target.pauseCalls)

	t.Run("below the floor is emergency", func(t *testing.T) {
		fx.source.Set = signPairs(10, 4) // r = 6/14, about 0.43
		m := fx.monitor.MeasureOnce(context.Background())
		assert.Equal(t, Emergency, m.Status)
	})
}

// fakeAdvisor serves a canned response and records requests.
type fakeAdvisor struct {
	resp AdvisorResponse
	err  error
	reqs []AdvisorRequest
}

func (f *fakeAdvisor) Name() string { return "fake" }

func (f *fakeAdvisor) Call(_ context.Context, req AdvisorRequest) (AdvisorResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func TestAdvisorDrivesCorrectiveDelta(t *testing.T) {
	fx := newMonitorFixture(t, bandConfig())
	adv := &fakeAdvisor{resp: AdvisorResponse{Adjustments: []Adjustment{
		{Symbol: "BTC-USD", Delta: 0.06},
		{Symbol: "ETH-USD", Delta: 0.10},
		{Symbol: "SOL-USD", Delta: -0.30}, // loosening deltas are ignored
	}}}
	fx.monitor.SetAdvisor(adv)
	fx.source.Set = partialPairs(12)

	fx.monitor.MeasureOnce(context.Background())

	require.Len(t, adv.reqs, 1)
	assert.Len(t, adv.reqs[0].Predictions, 12)
	require.Len(t, fx.target.adjusted, 1)
	assert.InDelta(t, 0.08, fx.target.adjusted[0], 1e-9, "mean of the tightening deltas")

	var proposed *CorrectiveAction
	for _, ev := range fx.drain() {
		if p, ok := ev.(CorrectiveActionProposed); ok {
			proposed = &p.Action
		}
	}
	require.NotNil(t, proposed)
	assert.Equal(t, "fake", proposed.Advisor)
}

func TestAdvisorOutputClampedToHardLimits(t *testing.T) {
	fx := newMonitorFixture(t, bandConfig()) // MaxAdjustment 0.20
	adv := &fakeAdvisor{resp: AdvisorResponse{Adjustments: []Adjustment{
		{Symbol: "BTC-USD", Delta: 0.90},
	}}}
	fx.monitor.SetAdvisor(adv)
	fx.source.Set = partialPairs(12)

	fx.monitor.MeasureOnce(context.Background())
	require.Len(t, fx.target.adjusted, 1)
	assert.InDelta(t, 0.20, fx.target.adjusted[0], 1e-9)
}

func TestAdvisorFailureFallsBackToDefaultDelta(t *testing.T) {
	cases := []struct {
		name string
		adv  *fakeAdvisor
	}{
		{"call error", &fakeAdvisor{err: fmt.Errorf("advisor down")}},
		{"oversized batch", &fakeAdvisor{resp: AdvisorResponse{
			Adjustments: make([]Adjustment, config.HardMaxBatchSymbols+1),
		}}},
		{"empty answer", &fakeAdvisor{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newMonitorFixture(t, bandConfig())
			fx.monitor.SetAdvisor(tc.adv)
			fx.source.Set = partialPairs(12)

			fx.monitor.MeasureOnce(context.Background())
			require.Equal(t, []float64{0.10}, fx.target.adjusted)

			var proposed *CorrectiveAction
			for _, ev := range fx.drain() {
				if p, ok := ev.(CorrectiveActionProposed); ok {
					proposed = &p.Action
				}
			}
			require.NotNil(t, proposed)
			assert.Empty(t, proposed.Advisor)
		})
	}
}

func TestHistoryPrunedByRetention(t *testing.T) {
	cfg := bandConfig()
	cfg.HistoryRetention = time.Hour
	cfg.AutoCorrect = false
	fx := newMonitorFixture(t, cfg)
	fx.source.Set = perfectPairs(12)

	fx.monitor.MeasureOnce(context.Background())
	fx.now = fx.now.Add(2 * time.Hour)
	fx.monitor.MeasureOnce(context.Background())

	history := fx.monitor.History(24 * time.Hour)
	assert.Len(t, history, 1, "entries past retention are dropped")
}
