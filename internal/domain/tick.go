package domain

import "time"

// Tick is a single normalized market-data snapshot for one symbol on one
// exchange at one instant. Ticks are immutable once constructed.
type Tick struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	ServerTS time.Time `json:"server_ts"`
	LocalTS  time.Time `json:"local_ts"`

	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Last float64 `json:"last"`

	BidQty      float64 `json:"bid_qty"`
	AskQty      float64 `json:"ask_qty"`
	LastQty     float64 `json:"last_qty"`
	DailyVolume float64 `json:"daily_volume"`

	// Quality is a [0,1] composite of field completeness, latency, and
	// spread plausibility.
	Quality   float64 `json:"quality"`
	IsStale   bool    `json:"is_stale"`
	ClockSkew bool    `json:"clock_skew"`
}

// Mid returns the bid/ask midpoint.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// SpreadBps returns the bid/ask spread in basis points of the mid.
// A locked book (ask == bid) yields 0.
func (t Tick) SpreadBps() float64 {
	mid := t.Mid()
	if mid <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / mid * 1e4
}

// Latency returns local receive time minus exchange server time. Negative
// values indicate clock skew and are flagged by the aggregator.
func (t Tick) Latency() time.Duration {
	return t.LocalTS.Sub(t.ServerTS)
}

// Valid reports whether the tick satisfies the basic book invariant
// ask >= bid > 0.
func (t Tick) Valid() bool {
	return t.Bid > 0 && t.Ask >= t.Bid
}

// AggregatedView is the cross-exchange consolidated view for one symbol,
// rebuilt each aggregation cycle from non-stale ticks.
type AggregatedView struct {
	Symbol          string    `json:"symbol"`
	TS              time.Time `json:"ts"`
	BestBid         float64   `json:"best_bid"`
	BestBidExchange string    `json:"best_bid_exchange"`
	BestAsk         float64   `json:"best_ask"`
	BestAskExchange string    `json:"best_ask_exchange"`

	WeightedMid     float64 `json:"weighted_mid"`
	PriceDispersion float64 `json:"price_dispersion"`

	ActiveExchangeCount int     `json:"active_exchange_count"`
	CompositeQuality    float64 `json:"composite_quality"`

	// Arbitrage is set when best_bid > best_ask across two different
	// exchanges. Recorded for observation only, never acted on.
	Arbitrage *ArbitrageObservation `json:"arbitrage,omitempty"`
}

// ArbitrageObservation records a crossed consolidated book.
type ArbitrageObservation struct {
	BidExchange string  `json:"bid_exchange"`
	AskExchange string  `json:"ask_exchange"`
	SpreadBps   float64 `json:"spread_bps"`
}

// BestFor returns the best available price for the given order side:
// the consolidated ask for buys, the consolidated bid for sells.
func (v AggregatedView) BestFor(side Side) (price float64, exchange string) {
	if side == Buy {
		return v.BestAsk, v.BestAskExchange
	}
	return v.BestBid, v.BestBidExchange
}
