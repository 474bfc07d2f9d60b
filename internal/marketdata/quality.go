package marketdata

import (
	"time"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// Quality score weights. Completeness and latency dominate; spread
// plausibility catches broken books that are technically well formed.
const (
	weightCompleteness = 0.4
	weightLatency      = 0.4
	weightSpread       = 0.2

	// Spreads beyond this are treated as implausible for a liquid venue.
	maxPlausibleSpreadBps = 500.0
)

// qualityScore produces a [0,1] composite for one tick.
func qualityScore(t domain.Tick, latencyThreshold time.Duration) float64 {
	completeness := fieldCompleteness(t)

	latency := 1.0
	if lat := t.Latency(); lat < 0 {
		latency = 0 // clock skew: the latency reading is meaningless
	} else if latencyThreshold > 0 && lat > latencyThreshold {
		latency = float64(latencyThreshold) / float64(lat)
	}

	spread := 1.0
	if bps := t.SpreadBps(); bps > maxPlausibleSpreadBps {
		spread = maxPlausibleSpreadBps / bps
	}

	return weightCompleteness*completeness + weightLatency*latency + weightSpread*spread
}

func fieldCompleteness(t domain.Tick) float64 {
	fields := 0
	present := 0
	for _, v := range []float64{t.Bid, t.Ask, t.Last, t.BidQty, t.AskQty, t.LastQty, t.DailyVolume} {
		fields++
		if v > 0 {
			present++
		}
	}
	return float64(present) / float64(fields)
}
