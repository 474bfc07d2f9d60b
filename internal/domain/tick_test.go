package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickMidAndSpread(t *testing.T) {
	tick := Tick{Bid: 99, Ask: 101}
	assert.InDelta(t, 100.0, tick.Mid(), 1e-9)
	assert.InDelta(t, 200.0, tick.SpreadBps(), 1e-9)

	locked := Tick{Bid: 100, Ask: 100}
	assert.Zero(t, locked.SpreadBps())
}

func TestTickValid(t *testing.T) {
	tests := []struct {
		name string
		tick Tick
		want bool
	}{
		{"normal book", Tick{Bid: 99, Ask: 101}, true},
		{"locked book", Tick{Bid: 100, Ask: 100}, true},
		{"crossed book", Tick{Bid: 101, Ask: 99}, false},
		{"zero bid", Tick{Bid: 0, Ask: 100}, false},
		{"negative", Tick{Bid: -1, Ask: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tick.Valid())
		})
	}
}

func TestTickLatencyDetectsSkew(t *testing.T) {
	now := time.Now()
	ahead := Tick{ServerTS: now.Add(2 * time.Second), LocalTS: now}
	assert.Negative(t, int64(ahead.Latency()))

	normal := Tick{ServerTS: now, LocalTS: now.Add(50 * time.Millisecond)}
	assert.Equal(t, 50*time.Millisecond, normal.Latency())
}

func TestBestFor(t *testing.T) {
	v := AggregatedView{
		BestBid: 99, BestBidExchange: "kraken",
		BestAsk: 101, BestAskExchange: "sim",
	}
	price, venue := v.BestFor(Buy)
	assert.Equal(t, 101.0, price)
	assert.Equal(t, "sim", venue)

	price, venue = v.BestFor(Sell)
	assert.Equal(t, 99.0, price)
	assert.Equal(t, "kraken", venue)
}
