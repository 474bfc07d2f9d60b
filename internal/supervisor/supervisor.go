package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/compliance"
	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/eventlog"
	"github.com/tradepilot/tradepilot/internal/marketdata"
	"github.com/tradepilot/tradepilot/internal/orders"
	"github.com/tradepilot/tradepilot/internal/risk"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// Publisher receives dashboard snapshots. The snapshot cache implements it;
// publishing is best effort and never blocks control-plane operation.
type Publisher interface {
	Publish(ctx context.Context, dash Dashboard) error
}

// Supervisor polls health, consumes component events, and owns the
// emergency stop.
type Supervisor struct {
	cfg     config.SupervisorConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	log     eventlog.Log
	now     func() time.Time

	market     *marketdata.Aggregator
	riskEngine *risk.Engine
	monitor    *compliance.Monitor
	manager    *orders.Manager
	alerts     *alertCenter
	publisher  Publisher

	mu        sync.Mutex
	health    map[string]ComponentHealth
	emergency *EmergencyInfo
}

// New wires the supervisor over the four components. publisher may be nil.
func New(cfg config.SupervisorConfig, market *marketdata.Aggregator, riskEngine *risk.Engine,
	monitor *compliance.Monitor, manager *orders.Manager, publisher Publisher,
	log eventlog.Log, metrics *telemetry.Metrics, logger zerolog.Logger) *Supervisor {

	componentLogger := logger.With().Str("component", "supervisor").Logger()
	return &Supervisor{
		cfg:        cfg,
		logger:     componentLogger,
		metrics:    metrics,
		log:        log,
		now:        time.Now,
		market:     market,
		riskEngine: riskEngine,
		monitor:    monitor,
		manager:    manager,
		alerts:     newAlertCenter(cfg, log, metrics, componentLogger),
		publisher:  publisher,
		health:     make(map[string]ComponentHealth),
	}
}

// SetClock injects a deterministic clock for tests.
func (s *Supervisor) SetClock(now func() time.Time) {
	s.now = now
	s.alerts.now = now
}

// Run starts the health poll, the dashboard loop, and the event consumers.
// It blocks until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); s.healthLoop(ctx) }()
	go func() { defer wg.Done(); s.dashboardLoop(ctx) }()
	go func() { defer wg.Done(); s.consumeRisk(ctx) }()
	go func() { defer wg.Done(); s.consumeCompliance(ctx) }()
	wg.Add(2)
	go func() { defer wg.Done(); s.consumeMarket(ctx) }()
	go func() { defer wg.Done(); s.consumeOrders(ctx) }()
	wg.Wait()
	return ctx.Err()
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollHealth(ctx)
		}
	}
}

// PollHealth grades every component once. Exported for the health endpoint
// and tests.
func (s *Supervisor) PollHealth(ctx context.Context) []ComponentHealth {
	now := s.now().UTC()
	results := []ComponentHealth{
		s.gradeMarketData(now),
		s.gradeRisk(now),
		s.gradeCompliance(now),
		s.gradeOrders(now),
	}

	s.mu.Lock()
	for _, h := range results {
		s.health[h.Component] = h
	}
	s.mu.Unlock()

	for _, h := range results {
		switch h.State {
		case Critical, Offline:
			s.alerts.Raise(ctx, h.Component, "component_"+string(h.State), h.Detail, 3)
		case Degraded:
			s.alerts.Raise(ctx, h.Component, "component_degraded", h.Detail, 2)
		default:
			s.alerts.ResolveByKey(h.Component, "component_degraded")
			s.alerts.ResolveByKey(h.Component, "component_critical")
			s.alerts.ResolveByKey(h.Component, "component_offline")
		}
	}
	return results
}

func (s *Supervisor) gradeMarketData(now time.Time) ComponentHealth {
	statuses := s.market.Statuses()
	h := ComponentHealth{Component: "market_data", State: Healthy, CheckedAt: now}
	if len(statuses) == 0 {
		h.State = Offline
		h.Detail = "no exchange feeds configured"
		return h
	}
	connected, degraded := 0, 0
	for _, st := range statuses {
		switch st.State {
		case marketdata.StateConnected:
			connected++
		case marketdata.StateDegraded:
			degraded++
		}
	}
	switch {
	case connected+degraded == 0:
		h.State = Critical
		h.Detail = "all exchange feeds down"
	case connected == 0:
		h.State = Degraded
		h.Detail = "all connected feeds degraded"
	case degraded > 0 || connected < len(statuses):
		h.State = Degraded
		h.Detail = fmt.Sprintf("%d/%d feeds fully connected", connected, len(statuses))
	}
	return h
}

func (s *Supervisor) gradeRisk(now time.Time) ComponentHealth {
	h := ComponentHealth{Component: "risk", State: Healthy, CheckedAt: now}
	level := s.riskEngine.Level()
	h.Detail = "level " + level.String()
	switch level {
	case risk.Orange:
		h.State = Degraded
	case risk.Red:
		h.State = Critical
	}
	return h
}

func (s *Supervisor) gradeCompliance(now time.Time) ComponentHealth {
	h := ComponentHealth{Component: "compliance", State: Healthy, CheckedAt: now}
	meas := s.monitor.CurrentMeasurement()
	h.Detail = fmt.Sprintf("status %s, correlation %.3f", meas.Status, meas.Measured)
	switch meas.Status {
	case compliance.Warning, compliance.Unknown:
		h.State = Degraded
	case compliance.Critical, compliance.Emergency:
		h.State = Critical
	}
	return h
}

func (s *Supervisor) gradeOrders(now time.Time) ComponentHealth {
	h := ComponentHealth{Component: "orders", State: Healthy, CheckedAt: now}
	rate := s.manager.ErrorRate()
	execTime := s.manager.AvgExecTime()
	h.Detail = fmt.Sprintf("error rate %.3f, avg exec %s, %d active",
		rate, execTime.Round(time.Millisecond), s.manager.ActiveCount())
	if rate > s.cfg.MaxOrderErrorRate || execTime > s.cfg.MaxExecTime {
		h.State = Degraded
	}
	if rate > 2*s.cfg.MaxOrderErrorRate || execTime > 2*s.cfg.MaxExecTime {
		h.State = Critical
	}
	return h
}

func (s *Supervisor) dashboardLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DashboardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dash := s.Snapshot()
			if s.publisher != nil {
				if err := s.publisher.Publish(ctx, dash); err != nil {
					s.logger.Warn().Err(err).Msg("dashboard publish failed")
				}
			}
		}
	}
}

// Snapshot assembles the current dashboard.
func (s *Supervisor) Snapshot() Dashboard {
	s.mu.Lock()
	components := make([]ComponentHealth, 0, len(s.health))
	for _, h := range s.health {
		components = append(components, h)
	}
	var emergency *EmergencyInfo
	if s.emergency != nil {
		e := *s.emergency
		emergency = &e
	}
	s.mu.Unlock()

	paused, pauseReason := s.manager.Paused()
	return Dashboard{
		TS:             s.now().UTC(),
		Components:     components,
		Exchanges:      s.market.Statuses(),
		Risk:           s.riskEngine.Snapshot(),
		Compliance:     s.monitor.CurrentMeasurement(),
		ActiveOrders:   s.manager.ActiveCount(),
		OrderErrorRate: s.manager.ErrorRate(),
		OrdersPaused:   paused,
		PauseReason:    pauseReason,
		ActiveAlerts:   s.alerts.Active(),
		Emergency:      emergency,
	}
}

func (s *Supervisor) consumeMarket(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.market.Events():
			switch e := ev.(type) {
			case marketdata.TickEvent:
				// the supervisor is the sole consumer of the market event
				// stream; mark-to-market flows through here
				if mid := e.Tick.Mid(); mid > 0 {
					s.riskEngine.MarkPrice(e.Tick.Symbol, mid)
				}
			case marketdata.AllExchangesDownEvent:
				s.alerts.Raise(ctx, "market_data", "all_exchanges_down",
					"no feed delivers "+e.Symbol, 3)
			case marketdata.ConnectionEvent:
				if e.To == marketdata.StateDisconnected || e.To == marketdata.StateDegraded {
					s.alerts.Raise(ctx, "market_data", "feed_"+string(e.To),
						e.Exchange+": "+e.Reason, 2)
				} else if e.To == marketdata.StateConnected {
					s.alerts.ResolveByKey("market_data", "feed_disconnected")
					s.alerts.ResolveByKey("market_data", "feed_degraded")
				}
			case marketdata.QualityEvent:
				s.alerts.Raise(ctx, "market_data", "tick_quality",
					fmt.Sprintf("%s %s: %s", e.Exchange, e.Symbol, e.Reason), 1)
			}
		}
	}
}

func (s *Supervisor) consumeRisk(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.riskEngine.Events():
			switch e := ev.(type) {
			case risk.LevelTransition:
				s.onRiskLevel(ctx, e)
			case risk.ViolationOpened:
				if _, err := s.log.Append(ctx, eventlog.KindRiskViolation, e.Violation.ID, e.Violation); err != nil {
					s.logger.Error().Err(err).Msg("risk violation log append failed")
				}
				s.alerts.Raise(ctx, "risk", "violation_"+string(e.Violation.Rule),
					fmt.Sprintf("%s: %.4f over %.4f", e.Violation.Symbol, e.Violation.Actual, e.Violation.Limit), 2)
			case risk.ViolationClosed:
				if _, err := s.log.Append(ctx, eventlog.KindRiskViolation, e.Violation.ID, e.Violation); err != nil {
					s.logger.Error().Err(err).Msg("risk violation log append failed")
				}
				s.alerts.ResolveByKey("risk", "violation_"+string(e.Violation.Rule))
			}
		}
	}
}

// onRiskLevel logs the transition and, on Red, executes the full emergency
// stop. Recovery from a Red stop is manual only; level step-downs never
// resume trading on their own.
func (s *Supervisor) onRiskLevel(ctx context.Context, e risk.LevelTransition) {
	if _, err := s.log.Append(ctx, eventlog.KindRiskLevel, e.To.String(), e); err != nil {
		s.logger.Error().Err(err).Msg("risk level log append failed")
	}
	level := 1
	if e.To >= risk.Orange {
		level = 2
	}
	if e.To == risk.Red {
		level = 3
	}
	s.alerts.Raise(ctx, "risk", "level_change",
		fmt.Sprintf("%s -> %s (drawdown %.3f vol %.3f)", e.From, e.To, e.Drawdown, e.Volatility), level)

	if e.To == risk.Red {
		if _, err := s.EmergencyStop(ctx, "risk_engine",
			fmt.Sprintf("risk level red (drawdown %.3f vol %.3f)", e.Drawdown, e.Volatility)); err != nil {
			s.logger.Warn().Err(err).Msg("emergency stop on red level")
		}
	}
}

func (s *Supervisor) consumeCompliance(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.monitor.Events():
			switch e := ev.(type) {
			case compliance.EmergencyBreach:
				s.alerts.Raise(ctx, "compliance", "trs_emergency",
					fmt.Sprintf("correlation %.3f below emergency floor", e.Measurement.Measured), 3)
			case compliance.ViolationEvent:
				level := 2
				if e.Measurement.Status == compliance.Critical {
					level = 3
				}
				s.alerts.Raise(ctx, "compliance", "trs_"+string(e.Measurement.Status),
					fmt.Sprintf("correlation %.3f, gap %.3f, severity +%d",
						e.Measurement.Measured, e.Measurement.Gap, e.Severity), level)
			case compliance.CorrectiveActionProposed:
				s.alerts.Raise(ctx, "compliance", "corrective_action",
					fmt.Sprintf("%s %+.2f, deadline %s", e.Action.Parameter, e.Action.Delta,
						e.Action.Deadline.Format(time.RFC3339)), 2)
			case compliance.CorrectiveActionResolved:
				if e.Action.State == compliance.ActionSucceeded {
					s.alerts.ResolveByKey("compliance", "corrective_action")
				} else {
					s.alerts.Raise(ctx, "compliance", "corrective_action_failed",
						"correlation did not recover by deadline", 3)
				}
			case compliance.MeasurementEvent:
				if e.Measurement.Status == compliance.Compliant {
					s.alerts.ResolveByKey("compliance", "trs_warning")
					s.alerts.ResolveByKey("compliance", "trs_critical")
					s.alerts.ResolveByKey("compliance", "trs_emergency")
				}
			}
		}
	}
}

func (s *Supervisor) consumeOrders(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.manager.Events():
			switch e := ev.(type) {
			case orders.SymbolQuarantined:
				s.alerts.Raise(ctx, "orders", "symbol_quarantined",
					e.Symbol+": "+e.Reason, 3)
			case orders.Rejected:
				s.alerts.Raise(ctx, "orders", "order_rejected",
					e.Request.Symbol+": "+e.Reason, 1)
			}
		}
	}
}

// AckAlert acknowledges an alert on behalf of an operator.
func (s *Supervisor) AckAlert(id, by string) error { return s.alerts.Ack(id, by) }

// ResolveAlert retires an alert.
func (s *Supervisor) ResolveAlert(id string) error { return s.alerts.Resolve(id) }

// ActiveAlerts lists unresolved alerts.
func (s *Supervisor) ActiveAlerts() []Alert { return s.alerts.Active() }

// EmergencyStop executes the stop procedure: pause submissions, cancel all
// working orders, force-close every position at market, and write the
// durable report. The flag is monotonic; repeated calls return the original
// report. Trading stays stopped until ManualRecover after the restart delay.
func (s *Supervisor) EmergencyStop(ctx context.Context, caller, reason string) (EmergencyReport, error) {
	now := s.now().UTC()

	s.mu.Lock()
	if s.emergency != nil {
		info := *s.emergency
		s.mu.Unlock()
		return EmergencyReport{
			TS:              info.StoppedAt,
			Reason:          info.Reason,
			EarliestRestart: info.EarliestRestart,
		}, fmt.Errorf("already stopped at %s", info.StoppedAt.Format(time.RFC3339))
	}
	info := &EmergencyInfo{
		StoppedAt:       now,
		Reason:          reason,
		EarliestRestart: now.Add(s.cfg.RestartDelay),
	}
	s.emergency = info
	s.mu.Unlock()

	s.metrics.EmergencyStop.Set(1)
	s.logger.Error().Str("caller", caller).Str("reason", reason).Msg("EMERGENCY STOP")

	s.manager.PauseNewOrders("emergency_stop")
	cancelled := s.manager.CancelAll(ctx, "emergency_stop")
	closed := s.manager.ForceClose(ctx, s.riskEngine.ForcedCloseSizes())

	report := EmergencyReport{
		TS:              now,
		Caller:          caller,
		Reason:          reason,
		CancelledOrders: cancelled,
		ClosedPositions: closed,
		FinalAssessment: s.riskEngine.Snapshot(),
		EarliestRestart: info.EarliestRestart,
	}
	if _, err := s.log.Append(ctx, eventlog.KindEmergency, "emergency-"+strconv.FormatInt(now.Unix(), 10), report); err != nil {
		s.logger.Error().Err(err).Msg("emergency report append failed")
	}
	s.alerts.Raise(ctx, "supervisor", "emergency_stop", reason, 3)
	return report, nil
}

// Stopped reports the emergency state.
func (s *Supervisor) Stopped() (bool, *EmergencyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergency == nil {
		return false, nil
	}
	info := *s.emergency
	return true, &info
}

// ManualRecover clears the emergency stop. It refuses before the earliest
// restart time; recovery is never automatic.
func (s *Supervisor) ManualRecover(ctx context.Context, caller string) error {
	now := s.now().UTC()

	s.mu.Lock()
	if s.emergency == nil {
		s.mu.Unlock()
		return fmt.Errorf("not stopped")
	}
	if now.Before(s.emergency.EarliestRestart) {
		earliest := s.emergency.EarliestRestart
		s.mu.Unlock()
		return fmt.Errorf("restart refused until %s", earliest.Format(time.RFC3339))
	}
	s.emergency = nil
	s.mu.Unlock()

	s.metrics.EmergencyStop.Set(0)
	s.manager.Resume()
	s.logger.Warn().Str("caller", caller).Msg("emergency stop cleared, trading resumed")
	_, err := s.log.Append(ctx, eventlog.KindAudit, "emergency_recover",
		map[string]string{"caller": caller, "ts": now.Format(time.RFC3339)})
	return err
}
