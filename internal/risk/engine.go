// Package risk implements the risk engine: live positions, portfolio
// aggregates, ordered pre-trade checks, and the hysteresis risk-level state
// machine. The engine is the sole mutator of positions; fills arrive from
// the order manager and are applied in arrival order under one lock, and
// EvaluateTrade is a pure in-memory computation that never blocks on I/O.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// Engine is the risk engine (RE).
type Engine struct {
	cfg     config.RiskConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu         sync.Mutex
	cash       domain.MicroUSD
	positions  map[string]*domain.Position
	applied    map[string]bool // fill IDs already applied (dedup)
	peak       domain.MicroUSD
	returns    *returnWindow
	levels     *levelTracker
	violations map[string]*Violation // rule+symbol -> open violation

	events chan Event
}

// NewEngine creates a risk engine seeded with the configured starting cash.
func NewEngine(cfg config.RiskConfig, metrics *telemetry.Metrics, logger zerolog.Logger) *Engine {
	cash := domain.USD(cfg.InitialCash)
	return &Engine{
		cfg:        cfg,
		logger:     logger.With().Str("component", "risk").Logger(),
		metrics:    metrics,
		now:        time.Now,
		cash:       cash,
		positions:  make(map[string]*domain.Position),
		applied:    make(map[string]bool),
		peak:       cash,
		returns:    newReturnWindow(288), // one trading day of 5-minute marks
		levels:     newLevelTracker(cfg),
		events:     make(chan Event, 256),
	}
}

// SetClock injects a deterministic clock for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Events returns the engine's event stream. The channel is bounded and the
// engine blocks on it: risk events favor correctness over latency.
func (e *Engine) Events() <-chan Event { return e.events }

// EvaluateTrade runs the ordered pre-trade checks for a prospective trade.
// signedQty is positive for buys, negative for sells; price is the expected
// execution price. The decision is a pure function of current engine state.
// Trades that reduce absolute exposure are always approved: the engine never
// traps a position it has already flagged.
func (e *Engine) EvaluateTrade(symbol string, signedQty, price float64) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if signedQty == 0 || price <= 0 {
		return Decision{Approved: false, Reasons: []Reason{{Rule: RuleCash, Actual: 0, Limit: 0}}}
	}

	var reasons []Reason

	existing := 0.0
	if p, ok := e.positions[symbol]; ok {
		existing = p.SignedQty
	}
	if math.Abs(existing+signedQty) <= math.Abs(existing)+domain.QtyEpsilon {
		return Decision{Approved: true}
	}
	portfolio := e.portfolioValueLocked().Float()

	// 1. Per-symbol notional.
	projectedNotional := math.Abs(existing+signedQty) * price
	if projectedNotional > e.cfg.MaxPositionNotional {
		reasons = append(reasons, Reason{Rule: RuleNotional, Actual: projectedNotional, Limit: e.cfg.MaxPositionNotional})
	}

	// 2. Concentration: largest projected position value over portfolio value.
	// The portfolio value itself is unchanged by the trade (cash converts to
	// exposure), so only the numerator moves.
	if portfolio > 0 {
		largest := projectedNotional
		for sym, p := range e.positions {
			if sym == symbol {
				continue
			}
			if v := p.ValueUSD().Float(); v > largest {
				largest = v
			}
		}
		concentration := largest / portfolio
		if concentration > e.cfg.MaxConcentration {
			reasons = append(reasons, Reason{Rule: RuleConcentration, Actual: round4(concentration), Limit: e.cfg.MaxConcentration})
		}
	}

	// 3. Projected VaR scales the current volatility estimate by the
	// projected gross exposure share.
	vol := e.returns.annualizedVol(288)
	gross := e.grossExposureLocked().Float()
	projectedGross := gross - math.Abs(existing)*price + projectedNotional
	if portfolio > 0 {
		projectedVaR := var95FromVol(vol) * projectedGross / portfolio
		if projectedVaR > e.cfg.MaxVaR {
			reasons = append(reasons, Reason{Rule: RuleVaR, Actual: round4(projectedVaR), Limit: e.cfg.MaxVaR})
		}
	}

	// 4. Drawdown: a new trade cannot repair drawdown; reject when already
	// beyond the limit.
	if dd := e.drawdownLocked(); dd > e.cfg.MaxDrawdown {
		reasons = append(reasons, Reason{Rule: RuleDrawdown, Actual: round4(dd), Limit: e.cfg.MaxDrawdown})
	}

	// 5. Cash sufficiency for buys.
	if signedQty > 0 {
		cost := signedQty * price
		if cost > e.cash.Float() {
			reasons = append(reasons, Reason{Rule: RuleCash, Actual: cost, Limit: e.cash.Float()})
		}
	}

	if len(reasons) == 0 {
		return Decision{Approved: true}
	}
	for _, r := range reasons {
		e.metrics.RiskRejections.WithLabelValues(string(r.Rule)).Inc()
	}

	decision := Decision{Approved: false, Reasons: reasons}
	if adj := e.scaleDownLocked(symbol, signedQty, price, portfolio, vol, gross, existing); adj != 0 {
		decision.AdjustedQty = adj
	}
	return decision
}

// scaleDownLocked finds the largest |qty| of the same sign that passes every
// check, or 0 if none does. Caller holds e.mu.
func (e *Engine) scaleDownLocked(symbol string, signedQty, price, portfolio, vol, gross, existing float64) float64 {
	sign := 1.0
	if signedQty < 0 {
		sign = -1
	}
	maxAbs := math.Abs(signedQty)

	// Per-symbol notional bound.
	if bound := e.cfg.MaxPositionNotional/price - math.Abs(existing); bound < maxAbs {
		maxAbs = bound
	}
	// Concentration bound.
	if portfolio > 0 {
		if bound := e.cfg.MaxConcentration*portfolio/price - math.Abs(existing); bound < maxAbs {
			maxAbs = bound
		}
	}
	// VaR bound.
	if v := var95FromVol(vol); v > 0 && portfolio > 0 {
		allowedGross := e.cfg.MaxVaR / v * portfolio
		if bound := (allowedGross-gross)/price + math.Abs(existing); bound < maxAbs {
			maxAbs = bound
		}
	}
	// Cash bound for buys.
	if sign > 0 {
		if bound := e.cash.Float() / price; bound < maxAbs {
			maxAbs = bound
		}
	}
	if e.drawdownLocked() > e.cfg.MaxDrawdown {
		return 0 // no size passes while drawdown is breached
	}
	if maxAbs <= domain.QtyEpsilon {
		return 0
	}
	return sign * maxAbs
}

// ApplyFill applies one fill to positions and cash. It is the sole position
// mutator. Re-applying a fill with a known ID is a no-op.
func (e *Engine) ApplyFill(fill domain.Fill) error {
	if fill.Qty <= 0 || fill.Price <= 0 {
		return fmt.Errorf("invalid fill %s: qty=%f price=%f", fill.ID, fill.Qty, fill.Price)
	}

	e.mu.Lock()
	if e.applied[fill.ID] {
		e.mu.Unlock()
		return nil
	}
	e.applied[fill.ID] = true

	signedQty := fill.Qty * fill.Side.Sign()
	pos, ok := e.positions[fill.Symbol]
	if !ok {
		pos = &domain.Position{
			ID:           "pos-" + uuid.NewString(),
			Symbol:       fill.Symbol,
			EntryPrice:   fill.Price,
			CurrentPrice: fill.Price,
			OpenedAt:     fill.TS,
		}
		e.positions[fill.Symbol] = pos
	}

	if pos.SignedQty == 0 || sameSign(pos.SignedQty, signedQty) {
		// Adding exposure: volume-weight the entry price.
		total := math.Abs(pos.SignedQty) + fill.Qty
		pos.EntryPrice = (pos.EntryPrice*math.Abs(pos.SignedQty) + fill.Price*fill.Qty) / total
		pos.SignedQty += signedQty
	} else {
		// Reducing or flipping.
		closed := math.Min(math.Abs(signedQty), math.Abs(pos.SignedQty))
		direction := 1.0
		if pos.SignedQty < 0 {
			direction = -1
		}
		pos.RealizedPnL += domain.USD((fill.Price - pos.EntryPrice) * closed * direction)
		pos.SignedQty += signedQty
		if sameSign(pos.SignedQty, signedQty) && math.Abs(pos.SignedQty) > domain.QtyEpsilon {
			pos.EntryPrice = fill.Price // flipped through zero
		}
	}
	pos.CurrentPrice = fill.Price
	pos.UpdatedAt = fill.TS

	e.cash -= domain.USD(fill.Price).MulQty(signedQty)
	e.cash -= fill.Commission

	if pos.Flat() {
		delete(e.positions, fill.Symbol)
	}

	events := e.markLocked()
	e.mu.Unlock()
	e.emit(events)
	return nil
}

// MarkPrice updates a symbol's mark from market data and re-evaluates
// portfolio metrics.
func (e *Engine) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	if pos, ok := e.positions[symbol]; ok {
		pos.CurrentPrice = price
		pos.UpdatedAt = e.now().UTC()
	}
	events := e.markLocked()
	e.mu.Unlock()
	e.emit(events)
}

// Snapshot returns a point-in-time assessment.
func (e *Engine) Snapshot() Assessment {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make([]domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		positions = append(positions, *p)
	}
	open := 0
	for _, v := range e.violations {
		if v.ClosedAt.IsZero() {
			open++
		}
	}
	return Assessment{
		TS:             e.now().UTC(),
		Positions:      positions,
		Cash:           e.cash,
		PortfolioValue: e.portfolioValueLocked(),
		Drawdown:       e.drawdownLocked(),
		Volatility:     e.returns.annualizedVol(288),
		VaR95:          e.var95Locked(),
		Concentration:  e.concentrationLocked(),
		Level:          e.levels.level,
		OpenViolations: open,
	}
}

// ActiveViolations returns currently open violations.
func (e *Engine) ActiveViolations() []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Violation
	for _, v := range e.violations {
		if v.ClosedAt.IsZero() {
			out = append(out, *v)
		}
	}
	return out
}

// Level returns the current risk level.
func (e *Engine) Level() Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.levels.level
}

// ForcedCloseSizes returns the signed quantity needed to flatten each open
// position, used by the emergency stop procedure.
func (e *Engine) ForcedCloseSizes() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.positions))
	for sym, p := range e.positions {
		if !p.Flat() {
			out[sym] = -p.SignedQty
		}
	}
	return out
}

// markLocked recomputes aggregates, drives the level machine and violation
// lifecycle, and returns events to emit after the lock is released.
func (e *Engine) markLocked() []Event {
	now := e.now().UTC()
	value := e.portfolioValueLocked()
	if value > e.peak {
		e.peak = value
	}
	e.returns.observe(value.Float())

	m := levelMetrics{
		drawdown:      e.drawdownLocked(),
		volatility:    e.returns.annualizedVol(288),
		var95:         e.var95Locked(),
		concentration: e.concentrationLocked(),
	}

	var events []Event

	prev := e.levels.level
	level, changed := e.levels.evaluate(m, now)
	if changed {
		e.logger.Warn().Str("from", prev.String()).Str("to", level.String()).
			Float64("drawdown", m.drawdown).Float64("vol", m.volatility).
			Msg("risk level transition")
		events = append(events, LevelTransition{
			From: prev, To: level, TS: now,
			Drawdown: m.drawdown, Volatility: m.volatility,
			VaR95: m.var95, Concentration: m.concentration,
		})
	}

	events = append(events, e.checkViolationLocked(RuleDrawdown, "", m.drawdown, e.cfg.MaxDrawdown, now)...)
	events = append(events, e.checkViolationLocked(RuleVaR, "", m.var95, e.cfg.MaxVaR, now)...)
	events = append(events, e.checkViolationLocked(RuleConcentration, "", m.concentration, e.cfg.MaxConcentration, now)...)

	e.metrics.RiskLevel.Set(float64(level))
	e.metrics.PortfolioValue.Set(value.Float())
	open := 0
	for _, v := range e.violations {
		if v.ClosedAt.IsZero() {
			open++
		}
	}
	e.metrics.OpenViolations.Set(float64(open))

	return events
}

func (e *Engine) checkViolationLocked(rule Rule, symbol string, actual, limit float64, now time.Time) []Event {
	key := string(rule) + "/" + symbol
	existing, open := e.violations[key]
	breached := limit > 0 && actual > limit

	switch {
	case breached && (!open || !existing.ClosedAt.IsZero()):
		v := &Violation{
			ID:       "vio-" + uuid.NewString(),
			Rule:     rule,
			Symbol:   symbol,
			Actual:   actual,
			Limit:    limit,
			OpenedAt: now,
		}
		e.violations[key] = v
		return []Event{ViolationOpened{Violation: *v}}
	case !breached && open && existing.ClosedAt.IsZero():
		existing.ClosedAt = now
		return []Event{ViolationClosed{Violation: *existing}}
	}
	return nil
}

func (e *Engine) emit(events []Event) {
	for _, ev := range events {
		e.events <- ev
	}
}

func (e *Engine) portfolioValueLocked() domain.MicroUSD {
	total := e.cash
	for _, p := range e.positions {
		total += p.ValueUSD()
	}
	return total
}

func (e *Engine) grossExposureLocked() domain.MicroUSD {
	var total domain.MicroUSD
	for _, p := range e.positions {
		total += p.ValueUSD()
	}
	return total
}

func (e *Engine) drawdownLocked() float64 {
	if e.peak <= 0 {
		return 0
	}
	dd := 1 - e.portfolioValueLocked().Float()/e.peak.Float()
	if dd < 0 {
		return 0
	}
	return dd
}

func (e *Engine) concentrationLocked() float64 {
	portfolio := e.portfolioValueLocked().Float()
	if portfolio <= 0 {
		return 0
	}
	var largest float64
	for _, p := range e.positions {
		if v := p.ValueUSD().Float(); v > largest {
			largest = v
		}
	}
	return largest / portfolio
}

func (e *Engine) var95Locked() float64 {
	portfolio := e.portfolioValueLocked().Float()
	if portfolio <= 0 {
		return 0
	}
	return var95FromVol(e.returns.annualizedVol(288)) * e.grossExposureLocked().Float() / portfolio
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
