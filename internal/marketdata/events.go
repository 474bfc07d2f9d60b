package marketdata

import (
	"time"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// ConnState is the per-exchange connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDegraded     ConnState = "degraded"
)

func (s ConnState) gaugeValue() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateDegraded:
		return 3
	default:
		return 0
	}
}

// Event is any market-data event. Consumers switch on the concrete type.
type Event interface{ event() }

// TickEvent announces a fresh normalized tick.
type TickEvent struct {
	Tick domain.Tick
}

// ConnectionEvent announces a connection state transition.
type ConnectionEvent struct {
	Exchange string
	From     ConnState
	To       ConnState
	Reason   string
	TS       time.Time
}

// QualityEvent flags a quality problem with a tick or feed.
type QualityEvent struct {
	Exchange string
	Symbol   string
	Reason   string // "clock_skew", "stale", "low_quality"
	TS       time.Time
}

// AllExchangesDownEvent fires when no exchange delivers a symbol anymore.
type AllExchangesDownEvent struct {
	Symbol string
	TS     time.Time
}

func (TickEvent) event()             {}
func (ConnectionEvent) event()       {}
func (QualityEvent) event()          {}
func (AllExchangesDownEvent) event() {}

// ExchangeStatus is the externally visible health of one exchange feed.
type ExchangeStatus struct {
	Exchange    string        `json:"exchange"`
	State       ConnState     `json:"state"`
	LastTick    time.Time     `json:"last_tick"`
	AvgLatency  time.Duration `json:"avg_latency"`
	LossRate    float64       `json:"loss_rate"`
	Reconnects  uint64        `json:"reconnects"`
	TicksTotal  uint64        `json:"ticks_total"`
	TicksDropped uint64       `json:"ticks_dropped"`
}
