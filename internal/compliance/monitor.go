// Package compliance implements the TRS compliance monitor: it continuously
// measures the correlation between algorithm predictions and realized
// outcomes, enforces the configured correlation floor, and proposes bounded
// corrective parameter adjustments when the measurement drifts. Hard safety
// limits (the 0.35 adjustment ceiling and the 20-symbol batch cap) live in
// package config as constants and cannot be configured away.
package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/eventlog"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// Prediction pairs one algorithm prediction with its realized outcome.
type Prediction struct {
	Symbol    string    `json:"symbol"`
	Predicted float64   `json:"predicted"`
	Realized  float64   `json:"realized"`
	TS        time.Time `json:"ts"`
}

// OutcomeSource supplies recent prediction/outcome pairs. Production wiring
// reads them back from the event log once positions have closed; tests
// inject fixtures.
type OutcomeSource interface {
	RecentPairs(ctx context.Context, n int) ([]Prediction, error)
}

// ParameterTarget is the order-manager surface corrective actions act on.
type ParameterTarget interface {
	AdjustParameter(name string, delta float64) (newValue float64, err error)
	PauseNewOrders(reason string)
}

// Monitor is the TRS compliance monitor (TCM).
type Monitor struct {
	cfg     config.ComplianceConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	log     eventlog.Log
	source  OutcomeSource
	target  ParameterTarget
	advisor Provider
	now     func() time.Time

	mu       sync.Mutex
	history  []Measurement
	override *Override
	pending  *CorrectiveAction

	events chan Event
}

// NewMonitor creates the compliance monitor.
func NewMonitor(cfg config.ComplianceConfig, source OutcomeSource, target ParameterTarget,
	log eventlog.Log, metrics *telemetry.Metrics, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		logger:  logger.With().Str("component", "compliance").Logger(),
		metrics: metrics,
		log:     log,
		source:  source,
		target:  target,
		advisor: LocalProvider{},
		now:     time.Now,
		events:  make(chan Event, 256),
	}
}

// SetClock injects a deterministic clock for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// SetAdvisor replaces the corrective-action advisor. The default is
// LocalProvider, which suggests nothing and leaves the built-in delta in
// effect.
func (m *Monitor) SetAdvisor(p Provider) {
	if p != nil {
		m.advisor = p
	}
}

// Events returns the monitor's event stream.
func (m *Monitor) Events() <-chan Event { return m.events }

// Run measures on the configured cadence until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MeasureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.MeasureOnce(ctx)
		}
	}
}

// MeasureOnce performs a single measurement cycle. Exported so tests and the
// corrective-action deadline path can drive it deterministically.
func (m *Monitor) MeasureOnce(ctx context.Context) Measurement {
	now := m.now().UTC()

	pairs, err := m.source.RecentPairs(ctx, m.cfg.SampleSize)
	if err != nil {
		m.logger.Error().Err(err).Msg("outcome source failed")
		pairs = nil
	}

	measurement := m.measure(pairs, now)

	m.mu.Lock()
	m.history = append(m.history, measurement)
	m.pruneLocked(now)
	measurement.TrendSlope = m.trendLocked()
	m.history[len(m.history)-1].TrendSlope = measurement.TrendSlope
	pendingResolved := m.resolvePendingLocked(measurement, now)
	m.mu.Unlock()

	m.metrics.Correlation.Set(measurement.Measured)
	m.metrics.ComplianceStatus.Set(measurement.Status.gaugeValue())
	if _, err := m.log.Append(ctx, eventlog.KindCompliance, "trs", measurement); err != nil {
		m.logger.Error().Err(err).Msg("compliance log append failed")
	}

	m.emit(MeasurementEvent{Measurement: measurement})
	if pendingResolved != nil {
		m.emit(CorrectiveActionResolved{Action: *pendingResolved})
		if _, err := m.log.Append(ctx, eventlog.KindCorrective, pendingResolved.ID, pendingResolved); err != nil {
			m.logger.Error().Err(err).Msg("corrective log append failed")
		}
	}

	m.react(ctx, measurement, pairs, now)
	return measurement
}

// measure computes the statistics for one cycle.
func (m *Monitor) measure(pairs []Prediction, now time.Time) Measurement {
	measurement := Measurement{
		TS:         now,
		Target:     m.cfg.Target,
		SampleSize: len(pairs),
		Status:     Unknown,
		PValue:     1,
		CILow:      -1,
		CIHigh:     1,
	}
	if len(pairs) < m.cfg.MinSamples {
		measurement.Gap = m.cfg.Target
		return measurement
	}

	xs := make([]float64, len(pairs))
	ys := make([]float64, len(pairs))
	for i, p := range pairs {
		xs[i] = p.Predicted
		ys[i] = p.Realized
	}
	r := pearson(xs, ys)
	measurement.Measured = r
	measurement.Gap = m.cfg.Target - r
	measurement.PValue = pValue(r, len(pairs))
	measurement.CILow, measurement.CIHigh = fisherCI(r, len(pairs))

	switch {
	case r >= m.cfg.Target:
		measurement.Status = Compliant
	case r >= m.cfg.WarningThreshold:
		measurement.Status = Warning
	case r >= m.cfg.CriticalThreshold:
		measurement.Status = Critical
	case r >= m.cfg.EmergencyThreshold:
		// Below the critical band but still above the emergency floor.
		measurement.Status = Critical
	default:
		measurement.Status = Emergency
	}
	return measurement
}

// react drives violations, escalation, corrective actions, and the
// emergency path for one measurement.
func (m *Monitor) react(ctx context.Context, measurement Measurement, pairs []Prediction, now time.Time) {
	if measurement.Status == Compliant || measurement.Status == Unknown {
		return
	}

	// Negative trend with a degraded status raises severity one step.
	severity := 0
	if measurement.TrendSlope < 0 {
		severity = 1
	}
	m.emit(ViolationEvent{Measurement: measurement, Severity: severity})

	if measurement.Status == Emergency && !m.overrideActive(now) {
		m.logger.Error().Float64("correlation", measurement.Measured).Msg("TRS emergency breach")
		m.target.PauseNewOrders("trs_emergency")
		m.emit(EmergencyBreach{Measurement: measurement})
		return
	}

	if m.cfg.AutoCorrect {
		m.maybeCorrect(ctx, measurement, pairs, now)
	}
}

// defaultCorrectionDelta applies when the advisor has no opinion.
const defaultCorrectionDelta = 0.10

// maybeCorrect proposes one corrective action when none is pending.
func (m *Monitor) maybeCorrect(ctx context.Context, measurement Measurement, pairs []Prediction, now time.Time) {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	delta, advisor := m.adviseDelta(ctx, measurement, pairs)
	limit := m.cfg.MaxAdjustment
	if limit > config.HardMaxAdjustment {
		limit = config.HardMaxAdjustment
	}
	if delta > limit {
		delta = limit
	}

	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return
	}
	action := &CorrectiveAction{
		ID:                  "act-" + uuid.NewString(),
		TS:                  now,
		Parameter:           "min_confidence",
		Delta:               delta,
		Advisor:             advisor,
		ExpectedImprovement: 0.05,
		Deadline:            now.Add(m.cfg.ActionTimeout),
		BaselineCorrelation: measurement.Measured,
		State:               ActionProposed,
	}
	m.pending = action
	m.mu.Unlock()

	newValue, err := m.target.AdjustParameter(action.Parameter, action.Delta)
	if err != nil {
		m.logger.Error().Err(err).Str("parameter", action.Parameter).Msg("corrective action rejected")
		m.mu.Lock()
		action.State = ActionFailed
		m.pending = nil
		m.mu.Unlock()
		m.emit(CorrectiveActionResolved{Action: *action})
		return
	}

	m.mu.Lock()
	action.State = ActionApplied
	m.mu.Unlock()

	m.logger.Warn().
		Str("parameter", action.Parameter).
		Float64("delta", action.Delta).
		Float64("new_value", newValue).
		Time("deadline", action.Deadline).
		Msg("corrective action applied")

	if _, err := m.log.Append(ctx, eventlog.KindCorrective, action.ID, action); err != nil {
		m.logger.Error().Err(err).Msg("corrective log append failed")
	}
	m.emit(CorrectiveActionProposed{Action: *action})
}

// adviseDelta asks the advisor for a min_confidence adjustment, derived as
// the mean of the positive per-symbol deltas it suggests. Raw advisor output
// always passes through ClampAdjustments before use; a failed call, a
// rejected batch, or an empty answer falls back to the built-in delta.
func (m *Monitor) adviseDelta(ctx context.Context, measurement Measurement, pairs []Prediction) (float64, string) {
	resp, err := m.advisor.Call(ctx, AdvisorRequest{
		Predictions: pairs,
		Context: fmt.Sprintf("correlation %.3f against target %.3f, status %s",
			measurement.Measured, measurement.Target, measurement.Status),
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("advisor", m.advisor.Name()).Msg("advisor call failed")
		return defaultCorrectionDelta, ""
	}
	clamped, err := ClampAdjustments(resp.Adjustments, m.cfg.MaxAdjustment)
	if err != nil {
		m.logger.Warn().Err(err).Str("advisor", m.advisor.Name()).Msg("advisor batch rejected")
		return defaultCorrectionDelta, ""
	}
	for _, v := range clamped.SanityViolations {
		m.logger.Warn().Str("symbol", v.Symbol).Float64("delta", v.Delta).
			Str("advisor", m.advisor.Name()).Msg("advisor adjustment beyond sanity bound")
	}

	var sum float64
	n := 0
	for _, a := range clamped.Adjustments {
		// Only tightening deltas apply to the global confidence floor.
		if a.Delta > 0 {
			sum += a.Delta
			n++
		}
	}
	if n == 0 {
		return defaultCorrectionDelta, ""
	}
	return sum / float64(n), m.advisor.Name()
}

// resolvePendingLocked closes out an applied action whose deadline passed.
// Caller holds m.mu; returns the resolved action, if any.
func (m *Monitor) resolvePendingLocked(measurement Measurement, now time.Time) *CorrectiveAction {
	if m.pending == nil || m.pending.State != ActionApplied || now.Before(m.pending.Deadline) {
		return nil
	}
	action := m.pending
	recovered := measurement.Measured >= action.BaselineCorrelation+action.ExpectedImprovement
	if recovered {
		action.State = ActionSucceeded
	} else {
		action.State = ActionFailed
	}
	m.pending = nil
	out := *action
	return &out
}

// CurrentMeasurement returns the latest measurement, or a zero-valued
// Unknown one before the first cycle.
func (m *Monitor) CurrentMeasurement() Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Measurement{TS: m.now().UTC(), Target: m.cfg.Target, Status: Unknown, PValue: 1, CILow: -1, CIHigh: 1, Gap: m.cfg.Target}
	}
	return m.history[len(m.history)-1]
}

// History returns measurements within the window, oldest first.
func (m *Monitor) History(window time.Duration) []Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().Add(-window)
	var out []Measurement
	for _, meas := range m.history {
		if meas.TS.After(cutoff) {
			out = append(out, meas)
		}
	}
	return out
}

// ManualOverride suspends emergency enforcement for the duration. The caller
// identity and reason are audited to the event log.
func (m *Monitor) ManualOverride(ctx context.Context, caller, reason string, duration time.Duration) error {
	if caller == "" {
		return fmt.Errorf("override requires an authenticated caller")
	}
	if reason == "" {
		return fmt.Errorf("override requires a reason")
	}
	now := m.now().UTC()
	ov := Override{Caller: caller, Reason: reason, ExpiresAt: now.Add(duration)}

	m.mu.Lock()
	m.override = &ov
	m.mu.Unlock()

	m.logger.Warn().Str("caller", caller).Str("reason", reason).Time("expires", ov.ExpiresAt).
		Msg("compliance override active")
	_, err := m.log.Append(ctx, eventlog.KindAudit, "compliance_override", ov)
	return err
}

// OrdersAllowed is the pre-trade gate: in-memory only, no I/O. Orders are
// blocked while the latest measurement is Emergency and no override is
// active.
func (m *Monitor) OrdersAllowed() (bool, Measurement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return true, Measurement{Status: Unknown, Target: m.cfg.Target}
	}
	latest := m.history[len(m.history)-1]
	if latest.Status == Emergency && !m.overrideActiveLocked(m.now().UTC()) {
		return false, latest
	}
	return true, latest
}

func (m *Monitor) overrideActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overrideActiveLocked(now)
}

func (m *Monitor) overrideActiveLocked(now time.Time) bool {
	return m.override != nil && now.Before(m.override.ExpiresAt)
}

// trendLocked fits a slope over the last five measured correlations.
func (m *Monitor) trendLocked() float64 {
	const window = 5
	var ys []float64
	for _, meas := range m.history {
		if meas.Status != Unknown {
			ys = append(ys, meas.Measured)
		}
	}
	if len(ys) > window {
		ys = ys[len(ys)-window:]
	}
	return slope(ys)
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.HistoryRetention)
	idx := 0
	for idx < len(m.history) && m.history[idx].TS.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.history = m.history[idx:]
	}
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().Msg("compliance event queue full, dropping")
	}
}
