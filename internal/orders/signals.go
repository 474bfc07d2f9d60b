package orders

import (
	"context"
	"fmt"
	"math"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// HandleSignal translates a strategy signal into an order. Sizing is
// equity * size_hint * confidence at the consolidated mid, rounded down to
// the lot size. Signals below the confidence floor are dropped, not errors.
func (m *Manager) HandleSignal(ctx context.Context, sig domain.Signal) (domain.Order, bool, error) {
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return domain.Order{}, false, fmt.Errorf("signal confidence %.3f outside [0,1]", sig.Confidence)
	}
	if sig.SizeHint <= 0 {
		return domain.Order{}, false, fmt.Errorf("signal size_hint must be > 0")
	}

	floor := m.MinConfidence()
	if sig.Confidence < floor {
		m.logger.Debug().Str("symbol", sig.Symbol).
			Float64("confidence", sig.Confidence).Float64("floor", floor).
			Msg("signal below confidence floor")
		return domain.Order{}, false, nil
	}

	view, ok := m.market.Aggregated(sig.Symbol)
	if !ok || view.WeightedMid <= 0 {
		return domain.Order{}, false, fmt.Errorf("no market data for %s", sig.Symbol)
	}

	equity := m.risk.Snapshot().PortfolioValue.Float()
	notional := equity * sig.SizeHint * sig.Confidence
	qty := notional / view.WeightedMid
	if m.cfg.LotSize > 0 {
		qty = math.Floor(qty/m.cfg.LotSize) * m.cfg.LotSize
	}
	if qty <= domain.QtyEpsilon {
		m.logger.Debug().Str("symbol", sig.Symbol).Msg("signal sized to zero")
		return domain.Order{}, false, nil
	}

	sigCopy := sig
	order, err := m.submit(ctx, SubmitRequest{
		Symbol: sig.Symbol,
		Side:   sig.Side,
		Kind:   domain.Market,
		Qty:    qty,
		TIF:    domain.GTC,
	}, &sigCopy, false)
	if err != nil {
		return domain.Order{}, false, err
	}
	return order, true, nil
}
