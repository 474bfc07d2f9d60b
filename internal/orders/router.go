package orders

import (
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/exchange"
	"github.com/tradepilot/tradepilot/internal/marketdata"
)

// MarketView is the slice of the market-data aggregator the order manager
// consumes: consolidated views for pricing and per-exchange health for
// routing.
type MarketView interface {
	Aggregated(symbol string) (domain.AggregatedView, bool)
	LatestTicks(symbol string, n int) []domain.Tick
	Status(exchangeName string) (marketdata.ExchangeStatus, bool)
	Statuses() []marketdata.ExchangeStatus
}

// router scores eligible venues for an order. An exchange is eligible when
// its feed is connected (degraded still counts, at a score penalty), the
// venue lists the symbol, and its guard is not tripped or throttled.
type router struct {
	market   MarketView
	adapters map[string]exchange.Adapter
	guards   map[string]*exchange.Guard
}

// pick returns the chosen exchange name. A non-empty preferred venue is
// honored when eligible; otherwise scoring applies across all venues.
func (r *router) pick(order domain.Order, preferred string) (string, error) {
	if preferred != "" {
		if r.eligible(preferred, order.Symbol) {
			return preferred, nil
		}
		return "", ErrNoVenue
	}

	view, hasView := r.market.Aggregated(order.Symbol)

	best := ""
	bestScore := -1.0
	for name := range r.adapters {
		if !r.eligible(name, order.Symbol) {
			continue
		}
		score := r.score(name, order, view, hasView)
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	if best == "" {
		return "", ErrNoVenue
	}
	return best, nil
}

func (r *router) eligible(name, symbol string) bool {
	adapter, ok := r.adapters[name]
	if !ok || !adapter.SupportsSymbol(symbol) {
		return false
	}
	if guard, ok := r.guards[name]; ok && !guard.Available() {
		return false
	}
	status, ok := r.market.Status(name)
	if !ok {
		return false
	}
	return status.State == marketdata.StateConnected || status.State == marketdata.StateDegraded
}

// score is dominated by latency; the venue quoting the best side of the
// consolidated book gets a small boost to break latency ties.
func (r *router) score(name string, order domain.Order, view domain.AggregatedView, hasView bool) float64 {
	status, _ := r.market.Status(name)
	latencyMS := float64(status.AvgLatency.Milliseconds())
	score := 1.0 / (latencyMS + 1.0)
	if status.State == marketdata.StateDegraded {
		score *= 0.5
	}
	if hasView {
		if _, best := view.BestFor(order.Side); best == name {
			score *= 1.05
		}
	}
	return score
}
