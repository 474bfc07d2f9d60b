package orders

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/compliance"
	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/eventlog"
	"github.com/tradepilot/tradepilot/internal/exchange"
	"github.com/tradepilot/tradepilot/internal/risk"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// ComplianceGate is the pre-trade compliance check: pure in-memory, no I/O.
type ComplianceGate interface {
	OrdersAllowed() (bool, compliance.Measurement)
}

// orderMeta is manager-internal bookkeeping that does not belong on the
// wire-visible Order.
type orderMeta struct {
	refPrice  float64 // slippage reference: limit price, else mid at accept
	signal    *domain.Signal
	signalMid float64
	attempts  int
	exchange  string
	venueID   string
	bypass bool // emergency forced-close: skip risk and compliance gates
	// cancelReqAt is set when cancellation is requested at the venue; the
	// sweep fails the order if no confirmation arrives within CancelTimeout.
	cancelReqAt time.Time
}

type submitJob struct{ orderID string }

// Manager owns the full order lifecycle. It is the sole mutator of order
// state; every external read receives a copy.
type Manager struct {
	cfg      config.OrdersConfig
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	log      eventlog.Log
	risk     *risk.Engine
	gate     ComplianceGate
	market   MarketView
	route    *router
	adapters map[string]exchange.Adapter
	guards   map[string]*exchange.Guard
	now      func() time.Time

	sessionEndHour, sessionEndMin int

	mu            sync.RWMutex
	active        map[string]*domain.Order
	meta          map[string]*orderMeta
	byVenueID     map[string]string // "exchange/venueID" -> order ID
	fills         map[string][]domain.Fill
	seenFills     map[string]bool
	completed     []domain.Order
	children      map[string][]string
	quarantined   map[string]string // symbol -> reason
	paused        bool
	pauseReason   string
	minConfidence float64

	// rolling submission outcomes, true = ok, for the error-rate health probe
	recent    []bool
	recentIdx int
	recentLen int

	// rolling submit-to-close durations for the exec-time health probe
	execTimes []time.Duration
	execIdx   int
	execLen   int

	workers map[string]chan submitJob
	events  chan Event
	runCtx  context.Context
}

// algoCtx is the context algorithmic drivers run under: the Run context when
// the manager is running, Background otherwise (tests drive algos directly).
func (m *Manager) algoCtx() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// NewManager wires the order manager. Run must be called before orders flow.
func NewManager(cfg config.OrdersConfig, riskEngine *risk.Engine, gate ComplianceGate,
	market MarketView, adapters map[string]exchange.Adapter, guards map[string]*exchange.Guard,
	log eventlog.Log, metrics *telemetry.Metrics, logger zerolog.Logger) (*Manager, error) {

	hour, minute, err := parseSessionEnd(cfg.SessionEnd)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:            cfg,
		logger:         logger.With().Str("component", "orders").Logger(),
		metrics:        metrics,
		log:            log,
		risk:           riskEngine,
		gate:           gate,
		market:         market,
		route:          &router{market: market, adapters: adapters, guards: guards},
		adapters:       adapters,
		guards:         guards,
		now:            time.Now,
		sessionEndHour: hour,
		sessionEndMin:  minute,
		active:         make(map[string]*domain.Order),
		meta:           make(map[string]*orderMeta),
		byVenueID:      make(map[string]string),
		fills:          make(map[string][]domain.Fill),
		seenFills:      make(map[string]bool),
		children:       make(map[string][]string),
		quarantined:    make(map[string]string),
		minConfidence:  cfg.MinConfidence,
		recent:         make([]bool, 100),
		execTimes:      make([]time.Duration, 100),
		workers:        make(map[string]chan submitJob),
		events:         make(chan Event, 256),
	}
	for name := range adapters {
		m.workers[name] = make(chan submitJob, 64)
	}
	return m, nil
}

func parseSessionEnd(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("session_end %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("session_end %q: bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("session_end %q: bad minute", s)
	}
	return hour, minute, nil
}

// SetClock injects a deterministic clock for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Events returns the manager's event stream. The channel is bounded and the
// manager blocks on it: order events favor correctness over latency.
func (m *Manager) Events() <-chan Event { return m.events }

// Run starts the per-venue submission workers, the execution-report pumps,
// and the expiry sweep. It blocks until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name := range m.adapters {
		wg.Add(2)
		go func(name string) { defer wg.Done(); m.submitWorker(ctx, name) }(name)
		go func(name string) { defer wg.Done(); m.executionPump(ctx, name) }(name)
	}
	wg.Add(1)
	go func() { defer wg.Done(); m.expirySweep(ctx) }()
	wg.Wait()
	return ctx.Err()
}

// Submit validates, gates, routes, and enqueues a new order. The returned
// order is a snapshot at acceptance time (status pending).
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (domain.Order, error) {
	return m.submit(ctx, req, nil, false)
}

func (m *Manager) submit(ctx context.Context, req SubmitRequest, sig *domain.Signal, bypass bool) (domain.Order, error) {
	if err := req.Validate(); err != nil {
		m.reject(ctx, req, err.Error())
		return domain.Order{}, err
	}

	m.mu.RLock()
	paused, pauseReason := m.paused, m.pauseReason
	qReason, quarantined := m.quarantined[req.Symbol]
	m.mu.RUnlock()
	if paused && !bypass {
		m.reject(ctx, req, "paused: "+pauseReason)
		return domain.Order{}, fmt.Errorf("%w: %s", ErrPaused, pauseReason)
	}
	if quarantined {
		m.reject(ctx, req, "quarantined: "+qReason)
		return domain.Order{}, fmt.Errorf("%w: %s", ErrQuarantined, qReason)
	}

	if !bypass {
		if ok, meas := m.gate.OrdersAllowed(); !ok {
			reason := fmt.Sprintf("compliance %s (correlation %.3f)", meas.Status, meas.Measured)
			m.reject(ctx, req, reason)
			return domain.Order{}, fmt.Errorf("order blocked: %s", reason)
		}
	}

	refPrice := req.LimitPrice
	view, hasView := m.market.Aggregated(req.Symbol)
	if refPrice <= 0 {
		if !hasView || view.WeightedMid <= 0 {
			m.reject(ctx, req, "no market data")
			return domain.Order{}, fmt.Errorf("no market data for %s", req.Symbol)
		}
		refPrice = view.WeightedMid
	}

	qty := req.Qty
	if !bypass {
		decision := m.risk.EvaluateTrade(req.Symbol, qty*req.Side.Sign(), refPrice)
		if _, err := m.log.Append(ctx, eventlog.KindRiskDecision, req.Symbol, decision); err != nil {
			m.logger.Error().Err(err).Msg("event log append failed")
		}
		if !decision.Approved {
			if decision.AdjustedQty == 0 {
				reason := riskReason(decision)
				m.reject(ctx, req, reason)
				return domain.Order{}, fmt.Errorf("risk rejected: %s", reason)
			}
			qty = math.Abs(decision.AdjustedQty)
			m.logger.Warn().Str("symbol", req.Symbol).
				Float64("requested", req.Qty).Float64("adjusted", qty).
				Msg("risk scaled order down")
		}
	}

	now := m.now().UTC()
	order := &domain.Order{
		ID:         domain.NewOrderID(),
		Symbol:     req.Symbol,
		Exchange:   req.Exchange,
		Side:       req.Side,
		Kind:       req.Kind,
		Qty:        qty,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		TIF:        req.TIF,
		ExpiresAt:  req.ExpiresAt,
		Status:     domain.OrderPending,
		CreatedAt:  now,
	}
	if order.TIF == "" {
		order.TIF = domain.GTC
	}
	if order.TIF == domain.Day {
		order.ExpiresAt = m.sessionEndAfter(now)
	}

	meta := &orderMeta{refPrice: refPrice, signal: sig, bypass: bypass}
	if sig != nil && hasView {
		meta.signalMid = view.WeightedMid
	}

	if order.Kind.Algorithmic() {
		m.mu.Lock()
		m.active[order.ID] = order
		m.meta[order.ID] = meta
		m.mu.Unlock()
		snapshot := *order
		m.logAccept(ctx, snapshot)
		if err := m.startAlgo(ctx, order.ID); err != nil {
			return domain.Order{}, err
		}
		return snapshot, nil
	}

	venue, err := m.route.pick(*order, req.Exchange)
	if err != nil {
		m.reject(ctx, req, err.Error())
		return domain.Order{}, err
	}
	order.Exchange = venue
	meta.exchange = venue

	m.mu.Lock()
	m.active[order.ID] = order
	m.meta[order.ID] = meta
	m.mu.Unlock()

	snapshot := *order
	m.logAccept(ctx, snapshot)
	m.workers[venue] <- submitJob{orderID: order.ID}
	return snapshot, nil
}

func riskReason(d risk.Decision) string {
	if len(d.Reasons) == 0 {
		return "rejected"
	}
	parts := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		parts[i] = fmt.Sprintf("%s (%.4f > %.4f)", r.Rule, r.Actual, r.Limit)
	}
	return strings.Join(parts, "; ")
}

func (m *Manager) logAccept(ctx context.Context, order domain.Order) {
	if _, err := m.log.Append(ctx, eventlog.KindOrderAccepted, order.ID, order); err != nil {
		m.logger.Error().Err(err).Str("order_id", order.ID).Msg("event log append failed")
	}
	m.emit(Accepted{Order: order})
}

func (m *Manager) reject(ctx context.Context, req SubmitRequest, reason string) {
	m.logger.Warn().Str("symbol", req.Symbol).Str("reason", reason).Msg("order rejected")
	m.emit(Rejected{Request: req, Reason: reason})
}

// sessionEndAfter returns the next Day-order boundary strictly after t.
func (m *Manager) sessionEndAfter(t time.Time) time.Time {
	end := time.Date(t.Year(), t.Month(), t.Day(), m.sessionEndHour, m.sessionEndMin, 0, 0, time.UTC)
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// submitWorker serializes submissions to one venue through its guard.
func (m *Manager) submitWorker(ctx context.Context, venue string) {
	adapter := m.adapters[venue]
	guard := m.guards[venue]
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.workers[venue]:
			m.trySubmit(ctx, venue, adapter, guard, job.orderID)
		}
	}
}

func (m *Manager) trySubmit(ctx context.Context, venue string, adapter exchange.Adapter, guard *exchange.Guard, orderID string) {
	m.mu.RLock()
	order, ok := m.active[orderID]
	var snapshot domain.Order
	if ok {
		snapshot = *order
	}
	m.mu.RUnlock()
	if !ok || snapshot.Status != domain.OrderPending {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	var venueID string
	err := guard.Do(callCtx, func() error {
		var submitErr error
		venueID, submitErr = adapter.Submit(callCtx, snapshot)
		return submitErr
	})
	cancel()

	if err == nil {
		m.mu.Lock()
		order, ok := m.active[orderID]
		if ok {
			meta := m.meta[orderID]
			meta.venueID = venueID
			m.byVenueID[venue+"/"+venueID] = orderID
			from := order.Status
			if terr := transition(order, domain.OrderSubmitted, ""); terr == nil {
				order.SubmittedAt = m.now().UTC()
				snapshot = *order
				m.mu.Unlock()
				m.recordOutcome(true)
				m.metrics.OrdersSubmitted.WithLabelValues(venue).Inc()
				if _, lerr := m.log.Append(ctx, eventlog.KindOrderSubmitted, orderID, snapshot); lerr != nil {
					m.logger.Error().Err(lerr).Msg("event log append failed")
				}
				m.emit(StatusChanged{Order: snapshot, From: from})
				return
			}
		}
		m.mu.Unlock()
		return
	}

	kind := exchange.KindOf(err)
	m.logger.Warn().Err(err).Str("venue", venue).Str("order_id", orderID).
		Str("error_kind", kind.String()).Msg("submit failed")

	switch kind {
	case exchange.KindValidation:
		m.recordOutcome(false)
		m.terminate(ctx, orderID, domain.OrderRejected, err.Error())
	case exchange.KindAuth, exchange.KindFatal:
		m.recordOutcome(false)
		m.terminate(ctx, orderID, domain.OrderFailed, err.Error())
	default: // transient or rate limited: retry with backoff
		m.mu.Lock()
		meta := m.meta[orderID]
		attempts := 0
		if meta != nil {
			meta.attempts++
			attempts = meta.attempts
		}
		m.mu.Unlock()
		if attempts > m.cfg.MaxRetries {
			m.recordOutcome(false)
			m.terminate(ctx, orderID, domain.OrderFailed,
				fmt.Sprintf("retries exhausted: %v", err))
			return
		}
		backoff := m.cfg.RetryBackoffBase << (attempts - 1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		m.trySubmit(ctx, venue, adapter, guard, orderID)
	}
}

// executionPump consumes the venue's execution reports, restarting the stream
// on failure.
func (m *Manager) executionPump(ctx context.Context, venue string) {
	adapter := m.adapters[venue]
	for ctx.Err() == nil {
		reports := make(chan exchange.ExecutionReport, 256)
		done := make(chan error, 1)
		go func() { done <- adapter.Executions(ctx, reports) }()
	consume:
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-done:
				if err != nil && ctx.Err() == nil {
					m.logger.Error().Err(err).Str("venue", venue).Msg("execution stream failed")
				}
				break consume
			case rep := <-reports:
				m.handleReport(ctx, venue, rep)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// handleReport applies one venue execution report: fills first, then the
// terminal status if the report is final.
func (m *Manager) handleReport(ctx context.Context, venue string, rep exchange.ExecutionReport) {
	m.mu.RLock()
	orderID, ok := m.byVenueID[venue+"/"+rep.ExchangeOrderID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn().Str("venue", venue).Str("venue_order_id", rep.ExchangeOrderID).
			Msg("report for unknown order")
		return
	}
	if rep.Fill != nil {
		m.applyFill(ctx, orderID, *rep.Fill)
	}
	if rep.Done {
		status := rep.Status
		if status == "" {
			status = domain.OrderFilled
		}
		m.terminate(ctx, orderID, status, rep.Reason)
	}
}

// applyFill accounts one execution: dedup, accumulate filled qty and VWAP,
// signed slippage, commission, risk position update, parent aggregation.
func (m *Manager) applyFill(ctx context.Context, orderID string, fill domain.Fill) {
	m.mu.Lock()
	if m.seenFills[fill.ID] {
		m.mu.Unlock()
		return
	}
	order, ok := m.active[orderID]
	if !ok || order.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.seenFills[fill.ID] = true

	if order.FilledQty+fill.Qty > order.Qty+domain.QtyEpsilon {
		reason := fmt.Sprintf("fill overflow: %.8f + %.8f > %.8f",
			order.FilledQty, fill.Qty, order.Qty)
		m.quarantined[order.Symbol] = reason
		m.mu.Unlock()
		m.logger.Error().Str("order_id", orderID).Str("symbol", fill.Symbol).
			Str("reason", reason).Msg("fill accounting invariant violated, symbol quarantined")
		m.emit(SymbolQuarantined{Symbol: order.Symbol, Reason: reason})
		m.terminate(ctx, orderID, domain.OrderFailed, reason)
		return
	}

	fill.OrderID = orderID
	fill.Symbol = order.Symbol
	fill.Side = order.Side
	m.fills[orderID] = append(m.fills[orderID], fill)

	prevFilled := order.FilledQty
	order.FilledQty += fill.Qty
	order.AvgFillPrice = (order.AvgFillPrice*prevFilled + fill.Price*fill.Qty) / order.FilledQty
	order.CommissionTotal += fill.Commission

	meta := m.meta[orderID]
	if meta != nil && meta.refPrice > 0 {
		// positive slippage is always adverse, for either side
		slip := (fill.Price - meta.refPrice) / meta.refPrice * 1e4 * order.Side.Sign()
		order.SlippageBps = (order.SlippageBps*prevFilled + slip*fill.Qty) / order.FilledQty
		m.metrics.FillSlippageBps.Observe(slip)
	}

	from := order.Status
	full := order.RemainingQty() <= domain.QtyEpsilon
	if full {
		_ = transition(order, domain.OrderFilled, "")
	} else {
		_ = transition(order, domain.OrderPartial, "")
	}
	parentID := order.ParentID
	snapshot := *order
	m.mu.Unlock()

	if err := m.risk.ApplyFill(fill); err != nil {
		m.logger.Error().Err(err).Str("fill_id", fill.ID).Msg("risk fill apply failed")
	}
	if _, err := m.log.Append(ctx, eventlog.KindOrderFill, orderID, fill); err != nil {
		m.logger.Error().Err(err).Msg("event log append failed")
	}
	m.emit(FillApplied{Order: snapshot, Fill: fill})
	if snapshot.Status != from {
		m.emit(StatusChanged{Order: snapshot, From: from})
	}
	if parentID != "" {
		m.propagateChildFill(ctx, parentID, fill)
	}
	if full {
		m.finalize(ctx, orderID)
	}
}

// terminate moves an order to a terminal status and finalizes it. Illegal
// transitions (already terminal) are ignored.
func (m *Manager) terminate(ctx context.Context, orderID string, to domain.OrderStatus, reason string) {
	m.mu.Lock()
	order, ok := m.active[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := order.Status
	if err := transition(order, to, reason); err != nil {
		m.mu.Unlock()
		return
	}
	snapshot := *order
	m.mu.Unlock()

	if snapshot.Status != from {
		m.emit(StatusChanged{Order: snapshot, From: from})
	}
	m.finalize(ctx, orderID)
}

// outcomeRecord is the order_done payload; the compliance monitor reads the
// prediction/outcome fields back out of the log.
type outcomeRecord struct {
	Order     domain.Order `json:"order"`
	Symbol    string       `json:"symbol"`
	Predicted float64      `json:"predicted"`
	Realized  float64      `json:"realized"`
	HasSignal bool         `json:"has_signal"`
}

// finalize retires a terminal order into the bounded completed log, records
// metrics, and appends the completion record with its prediction outcome.
func (m *Manager) finalize(ctx context.Context, orderID string) {
	m.mu.Lock()
	order, ok := m.active[orderID]
	if !ok || !order.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	order.ClosedAt = m.now().UTC()
	meta := m.meta[orderID]
	snapshot := *order

	delete(m.active, orderID)
	delete(m.meta, orderID)
	if meta != nil && meta.venueID != "" {
		delete(m.byVenueID, meta.exchange+"/"+meta.venueID)
	}
	m.completed = append(m.completed, snapshot)
	if len(m.completed) > m.cfg.CompletedLogSize {
		for _, evicted := range m.completed[:len(m.completed)-m.cfg.CompletedLogSize] {
			for _, f := range m.fills[evicted.ID] {
				delete(m.seenFills, f.ID)
			}
			delete(m.fills, evicted.ID)
			delete(m.children, evicted.ID)
		}
		m.completed = m.completed[len(m.completed)-m.cfg.CompletedLogSize:]
	}
	m.mu.Unlock()

	m.metrics.OrdersDone.WithLabelValues(string(snapshot.Status)).Inc()
	if !snapshot.SubmittedAt.IsZero() {
		execTime := snapshot.ClosedAt.Sub(snapshot.SubmittedAt)
		m.metrics.OrderExecTime.Observe(execTime.Seconds())
		m.recordExecTime(execTime)
	}

	rec := outcomeRecord{Order: snapshot, Symbol: snapshot.Symbol}
	if meta != nil && meta.signal != nil && meta.signalMid > 0 && snapshot.Status == domain.OrderFilled {
		rec.HasSignal = true
		rec.Predicted = meta.signal.Confidence
		if view, ok := m.market.Aggregated(snapshot.Symbol); ok && view.WeightedMid > 0 {
			rec.Realized = snapshot.Side.Sign() * (view.WeightedMid - meta.signalMid) / meta.signalMid
		}
	}
	if _, err := m.log.Append(ctx, eventlog.KindOrderDone, orderID, rec); err != nil {
		m.logger.Error().Err(err).Msg("event log append failed")
	}
	m.logger.Info().Str("order_id", orderID).Str("status", string(snapshot.Status)).
		Float64("filled", snapshot.FilledQty).Float64("avg_price", snapshot.AvgFillPrice).
		Msg("order done")
}

// Cancel requests cancellation. Orders still pending locally cancel
// immediately; working orders cancel at the venue and settle when the venue
// confirms. Algorithmic parents cascade to their children.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.active[orderID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if order.Status.Terminal() {
		m.mu.Unlock()
		return ErrTerminal
	}
	meta := m.meta[orderID]
	childIDs := append([]string(nil), m.children[orderID]...)
	isParent := order.Kind.Algorithmic() && order.ParentID == ""
	pending := order.Status == domain.OrderPending
	if meta != nil && meta.cancelReqAt.IsZero() {
		meta.cancelReqAt = m.now().UTC()
	}
	m.mu.Unlock()

	if isParent {
		for _, child := range childIDs {
			if err := m.Cancel(ctx, child); err != nil && err != ErrNotFound && err != ErrTerminal {
				m.logger.Warn().Err(err).Str("child_id", child).Msg("child cancel failed")
			}
		}
		m.terminate(ctx, orderID, domain.OrderCancelled, "cancelled")
		return nil
	}
	if pending || meta == nil || meta.venueID == "" {
		m.terminate(ctx, orderID, domain.OrderCancelled, "cancelled before submission")
		return nil
	}

	adapter := m.adapters[meta.exchange]
	guard := m.guards[meta.exchange]
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
	defer cancel()
	err := guard.Do(callCtx, func() error {
		return adapter.Cancel(callCtx, meta.venueID)
	})
	if err != nil {
		return fmt.Errorf("cancel %s at %s: %w", orderID, meta.exchange, err)
	}
	return nil
}

// CancelAll cancels every active order. Used by pause flows and the
// emergency stop. Errors are logged, not returned: the sweep must visit
// every order.
func (m *Manager) CancelAll(ctx context.Context, reason string) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	m.logger.Warn().Int("count", len(ids)).Str("reason", reason).Msg("cancelling all orders")
	for _, id := range ids {
		if err := m.Cancel(ctx, id); err != nil && err != ErrNotFound && err != ErrTerminal {
			m.logger.Error().Err(err).Str("order_id", id).Msg("cancel-all: cancel failed")
		}
	}
	return len(ids)
}

// Modify is cancel/replace: the working order is cancelled and a new order
// for the remainder (with any overrides) is submitted. Returns the
// replacement order.
func (m *Manager) Modify(ctx context.Context, req ModifyRequest) (domain.Order, error) {
	m.mu.RLock()
	order, ok := m.active[req.OrderID]
	var snapshot domain.Order
	if ok {
		snapshot = *order
	}
	m.mu.RUnlock()
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	if snapshot.Status.Terminal() {
		return domain.Order{}, ErrTerminal
	}
	if snapshot.Kind.Algorithmic() {
		return domain.Order{}, fmt.Errorf("algorithmic orders cannot be modified, cancel and resubmit")
	}
	if snapshot.Status != domain.OrderSubmitted && snapshot.Status != domain.OrderPartial {
		return domain.Order{}, fmt.Errorf("%w: %s is %s", ErrNotWorking, req.OrderID, snapshot.Status)
	}

	if err := m.Cancel(ctx, req.OrderID); err != nil {
		return domain.Order{}, fmt.Errorf("modify: %w", err)
	}

	qty := req.Qty
	if qty <= 0 {
		qty = snapshot.RemainingQty()
	}
	limit := req.LimitPrice
	if limit <= 0 {
		limit = snapshot.LimitPrice
	}
	replacement := SubmitRequest{
		Symbol:     snapshot.Symbol,
		Exchange:   snapshot.Exchange,
		Side:       snapshot.Side,
		Kind:       snapshot.Kind,
		Qty:        qty,
		LimitPrice: limit,
		StopPrice:  snapshot.StopPrice,
		TIF:        snapshot.TIF,
		ExpiresAt:  snapshot.ExpiresAt,
	}
	return m.Submit(ctx, replacement)
}

// Get returns an order by ID, searching active then completed.
func (m *Manager) Get(orderID string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if order, ok := m.active[orderID]; ok {
		return *order, true
	}
	for i := len(m.completed) - 1; i >= 0; i-- {
		if m.completed[i].ID == orderID {
			return m.completed[i], true
		}
	}
	return domain.Order{}, false
}

// Active returns snapshots of all non-terminal orders.
func (m *Manager) Active() []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Order, 0, len(m.active))
	for _, order := range m.active {
		out = append(out, *order)
	}
	return out
}

// Fills returns the recorded fills of one order, oldest first.
func (m *Manager) Fills(orderID string) []domain.Fill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Fill(nil), m.fills[orderID]...)
}

// Completed returns up to n of the newest completed orders.
func (m *Manager) Completed(n int) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.completed) {
		n = len(m.completed)
	}
	out := make([]domain.Order, n)
	copy(out, m.completed[len(m.completed)-n:])
	return out
}

// expirySweep periodically expires GTD and Day orders past their boundary,
// fails orders stuck in pending beyond the submit timeout, and fails working
// orders whose venue cancellation went unconfirmed past the cancel timeout.
func (m *Manager) expirySweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ExpirySweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// SweepOnce runs one expiry pass; exported for deterministic tests.
func (m *Manager) SweepOnce(ctx context.Context) { m.sweepOnce(ctx) }

func (m *Manager) sweepOnce(ctx context.Context) {
	now := m.now().UTC()
	type victim struct {
		id     string
		status domain.OrderStatus
		reason string
	}
	var victims []victim

	m.mu.RLock()
	for id, order := range m.active {
		meta := m.meta[id]
		switch {
		case !order.ExpiresAt.IsZero() && now.After(order.ExpiresAt) && !order.Status.Terminal():
			victims = append(victims, victim{id, domain.OrderExpired, string(order.TIF) + " expired"})
		case order.Status == domain.OrderPending && now.Sub(order.CreatedAt) > 2*m.cfg.SubmitTimeout:
			victims = append(victims, victim{id, domain.OrderFailed, "stuck pending"})
		case meta != nil && !meta.cancelReqAt.IsZero() && now.Sub(meta.cancelReqAt) > m.cfg.CancelTimeout:
			victims = append(victims, victim{id, domain.OrderFailed, "cancel unconfirmed"})
		}
	}
	m.mu.RUnlock()

	for _, v := range victims {
		if v.status == domain.OrderExpired {
			// best effort venue cancel before expiring locally
			m.mu.RLock()
			meta := m.meta[v.id]
			m.mu.RUnlock()
			if meta != nil && meta.venueID != "" {
				adapter := m.adapters[meta.exchange]
				guard := m.guards[meta.exchange]
				callCtx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
				if err := guard.Do(callCtx, func() error { return adapter.Cancel(callCtx, meta.venueID) }); err != nil {
					m.logger.Warn().Err(err).Str("order_id", v.id).Msg("expiry cancel failed")
				}
				cancel()
			}
		}
		m.terminate(ctx, v.id, v.status, v.reason)
	}
}

// AdjustParameter applies a compliance corrective delta to a named runtime
// parameter and returns the new value.
func (m *Manager) AdjustParameter(name string, delta float64) (float64, error) {
	switch name {
	case "min_confidence":
		m.mu.Lock()
		defer m.mu.Unlock()
		next := m.minConfidence + delta
		if next < 0 {
			next = 0
		}
		if next > 0.99 {
			next = 0.99
		}
		m.minConfidence = next
		m.logger.Warn().Float64("min_confidence", next).Msg("runtime parameter adjusted")
		return next, nil
	default:
		return 0, fmt.Errorf("unknown parameter %q", name)
	}
}

// MinConfidence returns the current signal confidence floor.
func (m *Manager) MinConfidence() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minConfidence
}

// PauseNewOrders stops accepting submissions. Working orders are unaffected.
func (m *Manager) PauseNewOrders(reason string) {
	m.mu.Lock()
	m.paused = true
	m.pauseReason = reason
	m.mu.Unlock()
	m.logger.Warn().Str("reason", reason).Msg("new orders paused")
}

// Resume re-enables submissions.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.pauseReason = ""
	m.mu.Unlock()
	m.logger.Info().Msg("new orders resumed")
}

// Paused reports the pause flag and its reason.
func (m *Manager) Paused() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused, m.pauseReason
}

// ForceClose submits market orders for the given signed position sizes,
// bypassing risk and compliance gates. Used only by the emergency stop.
// Requested sizes are clamped to the recorded position so a stale or
// inflated request can never overshoot into a fresh exposure.
func (m *Manager) ForceClose(ctx context.Context, sizes map[string]float64) []domain.Order {
	recorded := make(map[string]float64)
	for _, p := range m.risk.Snapshot().Positions {
		recorded[p.Symbol] = p.SignedQty
	}

	var out []domain.Order
	for symbol, signedQty := range sizes {
		qty := math.Abs(signedQty)
		if held := math.Abs(recorded[symbol]); qty > held {
			if held <= domain.QtyEpsilon {
				m.logger.Warn().Str("symbol", symbol).Float64("requested", qty).
					Msg("forced close skipped: no recorded position")
				continue
			}
			m.logger.Warn().Str("symbol", symbol).Float64("requested", qty).
				Float64("recorded", held).Msg("forced close size clamped to recorded position")
			qty = held
		}
		if qty <= domain.QtyEpsilon {
			continue
		}
		side := domain.Sell
		if signedQty > 0 {
			side = domain.Buy
		}
		order, err := m.submit(ctx, SubmitRequest{
			Symbol: symbol,
			Side:   side,
			Kind:   domain.Market,
			Qty:    qty,
			TIF:    domain.IOC,
		}, nil, true)
		if err != nil {
			m.logger.Error().Err(err).Str("symbol", symbol).Msg("forced close submit failed")
			continue
		}
		out = append(out, order)
	}
	return out
}

// ErrorRate returns the failure share of the last 100 submission attempts.
func (m *Manager) ErrorRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.recentLen == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < m.recentLen; i++ {
		if !m.recent[i] {
			failures++
		}
	}
	return float64(failures) / float64(m.recentLen)
}

// AvgExecTime returns the mean submit-to-close time over the last 100
// completed orders, zero before any order completes.
func (m *Manager) AvgExecTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.execLen == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < m.execLen; i++ {
		total += m.execTimes[i]
	}
	return total / time.Duration(m.execLen)
}

func (m *Manager) recordExecTime(d time.Duration) {
	m.mu.Lock()
	m.execTimes[m.execIdx] = d
	m.execIdx = (m.execIdx + 1) % len(m.execTimes)
	if m.execLen < len(m.execTimes) {
		m.execLen++
	}
	m.mu.Unlock()
}

func (m *Manager) recordOutcome(ok bool) {
	m.mu.Lock()
	m.recent[m.recentIdx] = ok
	m.recentIdx = (m.recentIdx + 1) % len(m.recent)
	if m.recentLen < len(m.recent) {
		m.recentLen++
	}
	m.mu.Unlock()
}

// ActiveCount returns the number of non-terminal orders.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) emit(ev Event) {
	m.events <- ev
}
