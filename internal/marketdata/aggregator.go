// Package marketdata implements the market data aggregator: one feed per
// configured exchange producing normalized ticks, bounded per-symbol tick
// rings, and a single aggregation loop that consolidates the freshest
// non-stale tick per exchange into a cross-exchange view every cycle.
package marketdata

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/exchange"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	Symbol     string
	Exchanges  []string
	QualityReq float64
}

// Aggregator is the market data aggregator (MDA).
type Aggregator struct {
	cfg     config.MarketDataConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	feeds map[string]*feed // by exchange

	mu       sync.RWMutex
	subs     map[string]Subscription            // by symbol
	rings    map[string]*tickRing               // by symbol
	latest   map[string]map[string]domain.Tick  // symbol -> exchange -> freshest tick
	views    map[string]domain.AggregatedView   // by symbol
	downSeen map[string]bool                    // symbols already reported all-down

	events chan Event
}

// New constructs the aggregator over the given venue adapters. Feeds start
// when Run is called.
func New(cfg config.MarketDataConfig, adapters []exchange.Adapter, symbolsByExchange map[string][]string,
	metrics *telemetry.Metrics, logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		cfg:      cfg,
		logger:   logger.With().Str("component", "marketdata").Logger(),
		metrics:  metrics,
		now:      time.Now,
		feeds:    make(map[string]*feed, len(adapters)),
		subs:     make(map[string]Subscription),
		rings:    make(map[string]*tickRing),
		latest:   make(map[string]map[string]domain.Tick),
		views:    make(map[string]domain.AggregatedView),
		downSeen: make(map[string]bool),
		events:   make(chan Event, 1024),
	}
	for _, adapter := range adapters {
		name := adapter.Name()
		a.feeds[name] = newFeed(adapter, cfg, symbolsByExchange[name], a.ingest, a.publish, logger)
	}
	return a
}

// SetClock injects a deterministic clock for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
	for _, f := range a.feeds {
		f.now = now
	}
}

// Events returns the aggregator's event stream. The channel is bounded;
// when full, the oldest event is dropped (market data favors freshness).
func (a *Aggregator) Events() <-chan Event { return a.events }

// Subscribe registers interest in a symbol across the given exchanges.
func (a *Aggregator) Subscribe(symbol string, exchanges []string, qualityReq float64) (Subscription, error) {
	for _, ex := range exchanges {
		if _, ok := a.feeds[ex]; !ok {
			return Subscription{}, fmt.Errorf("unknown exchange %q", ex)
		}
	}
	sub := Subscription{Symbol: symbol, Exchanges: exchanges, QualityReq: qualityReq}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs[symbol] = sub
	if _, ok := a.rings[symbol]; !ok {
		a.rings[symbol] = newTickRing(a.cfg.TickBufferSize)
		a.latest[symbol] = make(map[string]domain.Tick)
	}
	return sub, nil
}

// Unsubscribe removes a symbol and its buffers.
func (a *Aggregator) Unsubscribe(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, symbol)
	delete(a.rings, symbol)
	delete(a.latest, symbol)
	delete(a.views, symbol)
	delete(a.downSeen, symbol)
}

// LatestTicks returns up to n recent ticks for the symbol, newest first.
func (a *Aggregator) LatestTicks(symbol string, n int) []domain.Tick {
	a.mu.RLock()
	ring := a.rings[symbol]
	a.mu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.Latest(n)
}

// Aggregated returns the most recent consolidated view for the symbol.
func (a *Aggregator) Aggregated(symbol string) (domain.AggregatedView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.views[symbol]
	return v, ok
}

// Status returns the feed status for one exchange.
func (a *Aggregator) Status(exchangeName string) (ExchangeStatus, bool) {
	f, ok := a.feeds[exchangeName]
	if !ok {
		return ExchangeStatus{}, false
	}
	return f.status(a.droppedFor(exchangeName)), true
}

// Statuses returns every feed's status.
func (a *Aggregator) Statuses() []ExchangeStatus {
	out := make([]ExchangeStatus, 0, len(a.feeds))
	for name, f := range a.feeds {
		out = append(out, f.status(a.droppedFor(name)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// Run starts every feed and the aggregation loop, returning when ctx ends.
func (a *Aggregator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, f := range a.feeds {
		wg.Add(1)
		go func(f *feed) {
			defer wg.Done()
			f.run(ctx)
		}(f)
	}

	ticker := time.NewTicker(a.cfg.AggregationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			a.aggregate()
		}
	}
}

// ingest is the feed sink: it stores the tick and updates metrics. It never
// blocks the producing feed.
func (a *Aggregator) ingest(tick domain.Tick) {
	a.metrics.TicksReceived.WithLabelValues(tick.Exchange).Inc()
	if lat := tick.Latency(); lat >= 0 {
		a.metrics.StreamLatency.WithLabelValues(tick.Exchange).Observe(float64(lat.Milliseconds()))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ring, ok := a.rings[tick.Symbol]
	if !ok {
		return // not subscribed
	}
	ring.Push(tick)

	// Out-of-order ticks older than the freshest already seen are discarded
	// at the latest-map level; the ring keeps them for inspection.
	if prev, ok := a.latest[tick.Symbol][tick.Exchange]; !ok || tick.ServerTS.After(prev.ServerTS) {
		a.latest[tick.Symbol][tick.Exchange] = tick
	}
}

// publish emits an event, dropping the oldest when the channel is full.
func (a *Aggregator) publish(ev Event) {
	for {
		select {
		case a.events <- ev:
			return
		default:
			select {
			case <-a.events: // drop oldest
			default:
			}
		}
	}
}

// Aggregate runs one aggregation cycle. Exported for deterministic tests;
// Run calls it on the configured cadence.
func (a *Aggregator) Aggregate() { a.aggregate() }

func (a *Aggregator) aggregate() {
	now := a.now().UTC()

	for name, f := range a.feeds {
		f.checkHealth(a.droppedFor(name))
		a.metrics.ExchangeState.WithLabelValues(name).Set(f.State().gaugeValue())
		st := f.status(a.droppedFor(name))
		a.metrics.MessageLoss.WithLabelValues(name).Set(st.LossRate)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for symbol, sub := range a.subs {
		view := a.buildView(symbol, sub, now)
		if view.ActiveExchangeCount == 0 {
			if !a.downSeen[symbol] {
				a.downSeen[symbol] = true
				a.publish(AllExchangesDownEvent{Symbol: symbol, TS: now})
			}
			continue
		}
		a.downSeen[symbol] = false
		a.views[symbol] = view
	}
}

// buildView consolidates the freshest non-stale tick per exchange. Caller
// holds a.mu.
func (a *Aggregator) buildView(symbol string, sub Subscription, now time.Time) domain.AggregatedView {
	view := domain.AggregatedView{Symbol: symbol, TS: now}

	var mids, weights []float64
	var qualitySum float64

	for _, exName := range sub.Exchanges {
		tick, ok := a.latest[symbol][exName]
		if !ok {
			continue
		}
		if a.stale(tick, now) || tick.ClockSkew {
			continue
		}
		if sub.QualityReq > 0 && tick.Quality < sub.QualityReq {
			a.publish(QualityEvent{Exchange: exName, Symbol: symbol, Reason: "low_quality", TS: now})
			continue
		}
		if f, ok := a.feeds[exName]; ok {
			if s := f.State(); s != StateConnected && s != StateDegraded {
				continue
			}
		}

		view.ActiveExchangeCount++
		qualitySum += tick.Quality
		mids = append(mids, tick.Mid())
		weights = append(weights, tick.LastQty)

		if view.BestBidExchange == "" || tick.Bid > view.BestBid {
			view.BestBid = tick.Bid
			view.BestBidExchange = exName
		}
		if view.BestAskExchange == "" || tick.Ask < view.BestAsk {
			view.BestAsk = tick.Ask
			view.BestAskExchange = exName
		}
	}

	if view.ActiveExchangeCount == 0 {
		return view
	}

	view.CompositeQuality = qualitySum / float64(view.ActiveExchangeCount)
	view.WeightedMid = weightedMean(mids, weights)
	view.PriceDispersion = dispersion(mids)

	if view.BestBid > view.BestAsk && view.BestBidExchange != view.BestAskExchange {
		mid := (view.BestBid + view.BestAsk) / 2
		view.Arbitrage = &domain.ArbitrageObservation{
			BidExchange: view.BestBidExchange,
			AskExchange: view.BestAskExchange,
			SpreadBps:   (view.BestBid - view.BestAsk) / mid * 1e4,
		}
	}
	return view
}

// stale applies the staleness rule: transport latency beyond the configured
// maximum, or age beyond twice the aggregation period.
func (a *Aggregator) stale(tick domain.Tick, now time.Time) bool {
	if tick.Latency() > a.cfg.MaxLatency {
		return true
	}
	return now.Sub(tick.LocalTS) > 2*a.cfg.AggregationInterval
}

func (a *Aggregator) droppedFor(exchangeName string) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var total uint64
	for symbol, ring := range a.rings {
		if _, ok := a.latest[symbol][exchangeName]; ok {
			total += ring.Dropped()
		}
	}
	return total
}

func weightedMean(values, weights []float64) float64 {
	var num, den float64
	for i := range values {
		num += values[i] * weights[i]
		den += weights[i]
	}
	if den == 0 {
		// no traded volume this cycle; fall back to the plain mean
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
	return num / den
}

// dispersion is stdev(mids)/mean(mids), the cross-exchange price spread.
func dispersion(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss/float64(len(values))) / mean
}
