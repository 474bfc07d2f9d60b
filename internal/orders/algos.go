package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// defaultAlgoHorizon bounds TWAP/VWAP execution when the parent carries no
// explicit expiry.
const defaultAlgoHorizon = 10 * time.Minute

// startAlgo marks the algorithmic parent as working and launches its driver.
// The parent never reaches a venue; only its children do.
func (m *Manager) startAlgo(ctx context.Context, parentID string) error {
	m.mu.Lock()
	parent, ok := m.active[parentID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	from := parent.Status
	if err := transition(parent, domain.OrderSubmitted, "algo working"); err != nil {
		m.mu.Unlock()
		return err
	}
	parent.SubmittedAt = m.now().UTC()
	snapshot := *parent
	m.mu.Unlock()

	m.emit(StatusChanged{Order: snapshot, From: from})

	switch snapshot.Kind {
	case domain.TWAP:
		go m.runSliced(m.algoCtx(), snapshot, nil)
	case domain.VWAP:
		go m.runSliced(m.algoCtx(), snapshot, m.vwapWeights)
	case domain.Iceberg:
		go m.runIceberg(m.algoCtx(), snapshot)
	default:
		return fmt.Errorf("order %s: kind %s is not algorithmic", parentID, snapshot.Kind)
	}
	return nil
}

// runSliced drives TWAP and VWAP: equal time intervals across the horizon,
// with an optional per-slice weight function. The final slice absorbs
// rounding so the child quantities always sum to the parent quantity.
func (m *Manager) runSliced(ctx context.Context, parent domain.Order,
	weigh func(symbol string, slices int) []float64) {

	slices := m.cfg.TWAPSlices
	if slices < 1 {
		slices = 1
	}
	horizon := defaultAlgoHorizon
	if !parent.ExpiresAt.IsZero() {
		if h := parent.ExpiresAt.Sub(m.now().UTC()); h > 0 {
			horizon = h
		}
	}
	interval := horizon / time.Duration(slices)

	weights := make([]float64, slices)
	for i := range weights {
		weights[i] = 1.0 / float64(slices)
	}
	if weigh != nil {
		if w := weigh(parent.Symbol, slices); len(w) == slices {
			weights = w
		}
	}

	issued := 0.0
	for i := 0; i < slices; i++ {
		if !m.parentWorking(parent.ID) {
			return
		}
		qty := parent.Qty * weights[i]
		if i == slices-1 {
			qty = parent.Qty - issued
		}
		issued += qty
		if qty > domain.QtyEpsilon {
			if _, err := m.submitChild(ctx, parent, qty, parent.LimitPrice); err != nil {
				m.logger.Error().Err(err).Str("parent_id", parent.ID).Msg("algo child submit failed")
			}
		}
		if i < slices-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// vwapWeights distributes slice sizes proportionally to recently observed
// trade volume, falling back to equal weights on thin data.
func (m *Manager) vwapWeights(symbol string, slices int) []float64 {
	ticks := m.market.LatestTicks(symbol, slices*10)
	weights := make([]float64, slices)
	if len(ticks) < slices {
		for i := range weights {
			weights[i] = 1.0 / float64(slices)
		}
		return weights
	}

	per := len(ticks) / slices
	total := 0.0
	for i := 0; i < slices; i++ {
		vol := 0.0
		for j := i * per; j < (i+1)*per; j++ {
			vol += ticks[j].LastQty
		}
		weights[i] = vol
		total += vol
	}
	if total <= 0 {
		for i := range weights {
			weights[i] = 1.0 / float64(slices)
		}
		return weights
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// runIceberg exposes one visible child at a time; the next slice goes out
// when the previous one terminates.
func (m *Manager) runIceberg(ctx context.Context, parent domain.Order) {
	visible := parent.Qty * m.cfg.IcebergVisibleFrac
	if visible <= domain.QtyEpsilon {
		visible = parent.Qty
	}

	for {
		if !m.parentWorking(parent.ID) {
			return
		}
		m.mu.RLock()
		remaining := 0.0
		if p, ok := m.active[parent.ID]; ok {
			remaining = p.RemainingQty()
		}
		m.mu.RUnlock()
		if remaining <= domain.QtyEpsilon {
			return
		}
		qty := visible
		if qty > remaining {
			qty = remaining
		}
		child, err := m.submitChild(ctx, parent, qty, parent.LimitPrice)
		if err != nil {
			m.logger.Error().Err(err).Str("parent_id", parent.ID).Msg("iceberg child submit failed")
			return
		}
		if !m.awaitTerminal(ctx, child.ID) {
			return
		}
	}
}

// awaitTerminal polls until the child reaches a terminal status or ctx ends.
func (m *Manager) awaitTerminal(ctx context.Context, orderID string) bool {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		order, ok := m.Get(orderID)
		if !ok || order.Status.Terminal() {
			return ok
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// parentWorking reports whether the parent is still active and not being
// cancelled.
func (m *Manager) parentWorking(parentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parent, ok := m.active[parentID]
	if !ok || parent.Status.Terminal() {
		return false
	}
	if meta := m.meta[parentID]; meta != nil && !meta.cancelReqAt.IsZero() {
		return false
	}
	return true
}

// submitChild routes and enqueues one child order. Children skip the risk
// and compliance gates: the parent was gated for its full quantity.
func (m *Manager) submitChild(ctx context.Context, parent domain.Order, qty, limitPrice float64) (domain.Order, error) {
	kind := domain.Limit
	if limitPrice <= 0 {
		kind = domain.Market
	}
	now := m.now().UTC()
	child := &domain.Order{
		ID:         domain.NewOrderID(),
		ParentID:   parent.ID,
		Symbol:     parent.Symbol,
		Side:       parent.Side,
		Kind:       kind,
		Qty:        qty,
		LimitPrice: limitPrice,
		TIF:        domain.GTC,
		Status:     domain.OrderPending,
		CreatedAt:  now,
	}
	if parent.TIF == domain.GTD || parent.TIF == domain.Day {
		child.TIF = parent.TIF
		child.ExpiresAt = parent.ExpiresAt
	}

	venue, err := m.route.pick(*child, parent.Exchange)
	if err != nil {
		return domain.Order{}, err
	}
	child.Exchange = venue

	refPrice := limitPrice
	if refPrice <= 0 {
		if view, ok := m.market.Aggregated(child.Symbol); ok {
			refPrice = view.WeightedMid
		}
	}

	m.mu.Lock()
	m.active[child.ID] = child
	m.meta[child.ID] = &orderMeta{refPrice: refPrice, exchange: venue, bypass: true}
	m.children[parent.ID] = append(m.children[parent.ID], child.ID)
	m.mu.Unlock()

	snapshot := *child
	m.logAccept(ctx, snapshot)
	m.workers[venue] <- submitJob{orderID: child.ID}
	return snapshot, nil
}

// propagateChildFill mirrors a child's execution onto the algorithmic
// parent's aggregates. The child already applied the fill to risk; the
// parent only tracks progress.
func (m *Manager) propagateChildFill(ctx context.Context, parentID string, fill domain.Fill) {
	m.mu.Lock()
	parent, ok := m.active[parentID]
	if !ok || parent.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	prevFilled := parent.FilledQty
	parent.FilledQty += fill.Qty
	if parent.FilledQty > parent.Qty {
		parent.FilledQty = parent.Qty
	}
	if parent.FilledQty > 0 {
		parent.AvgFillPrice = (parent.AvgFillPrice*prevFilled + fill.Price*fill.Qty) / (prevFilled + fill.Qty)
	}
	parent.CommissionTotal += fill.Commission

	from := parent.Status
	full := parent.RemainingQty() <= domain.QtyEpsilon
	if full {
		_ = transition(parent, domain.OrderFilled, "")
	} else {
		_ = transition(parent, domain.OrderPartial, "")
	}
	snapshot := *parent
	m.mu.Unlock()

	if snapshot.Status != from {
		m.emit(StatusChanged{Order: snapshot, From: from})
	}
	if full {
		m.finalize(ctx, parentID)
	}
}
