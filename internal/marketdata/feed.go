package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/exchange"
)

// feed owns one exchange connection: it runs the adapter stream, tracks
// connection health, and hands normalized ticks to the aggregator.
//
// Connection FSM: Disconnected -> Connecting -> Connected -> Degraded.
// Any failure returns to Disconnected; reconnects use exponential backoff
// capped by config, reset on the first successful tick.
type feed struct {
	adapter exchange.Adapter
	cfg     config.MarketDataConfig
	logger  zerolog.Logger
	sink    func(domain.Tick)
	emit    func(Event)
	now     func() time.Time

	mu          sync.Mutex
	state       ConnState
	lastTick    time.Time
	latencyEWMA time.Duration
	received    uint64
	skewed      uint64
	invalid     uint64
	reconnects  uint64
	symbols     []string
}

func newFeed(adapter exchange.Adapter, cfg config.MarketDataConfig, symbols []string,
	sink func(domain.Tick), emit func(Event), logger zerolog.Logger) *feed {
	return &feed{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "marketdata").Str("exchange", adapter.Name()).Logger(),
		sink:    sink,
		emit:    emit,
		now:     time.Now,
		state:   StateDisconnected,
		symbols: symbols,
	}
}

// run drives the reconnect loop until ctx is cancelled.
func (f *feed) run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		f.transition(StateConnecting, "dialing")

		ticks := make(chan domain.Tick, 256)
		streamCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- f.adapter.Stream(streamCtx, f.symbols, ticks)
		}()

		f.mu.Lock()
		recvBefore := f.received
		f.mu.Unlock()

		err := f.consume(streamCtx, ticks, done)
		cancel()

		if ctx.Err() != nil {
			f.transition(StateDisconnected, "shutdown")
			return
		}
		f.transition(StateDisconnected, errReason(err))
		f.mu.Lock()
		f.reconnects++
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		f.mu.Lock()
		gotTicks := f.received > recvBefore
		f.mu.Unlock()
		if gotTicks {
			// connection was good before it failed; start backoff over
			backoff = time.Second
		} else {
			backoff *= 2
			if backoff > f.cfg.ReconnectBackoffMax {
				backoff = f.cfg.ReconnectBackoffMax
			}
		}
	}
}

func (f *feed) consume(ctx context.Context, ticks <-chan domain.Tick, done <-chan error) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if first {
				f.transition(StateConnected, "first tick")
				first = false
			}
			f.accept(tick)
		}
	}
}

// accept normalizes, flags, and forwards one tick.
func (f *feed) accept(tick domain.Tick) {
	now := f.now().UTC()
	if tick.LocalTS.IsZero() {
		tick.LocalTS = now
	}

	if !tick.Valid() {
		f.mu.Lock()
		f.invalid++
		f.mu.Unlock()
		f.emit(QualityEvent{Exchange: tick.Exchange, Symbol: tick.Symbol, Reason: "invalid_book", TS: now})
		return
	}

	// Negative latency means the venue clock is ahead of ours: flag and
	// exclude from aggregation rather than trusting either clock.
	if tick.LocalTS.Before(tick.ServerTS) {
		tick.ClockSkew = true
		f.mu.Lock()
		f.skewed++
		f.mu.Unlock()
		f.emit(QualityEvent{Exchange: tick.Exchange, Symbol: tick.Symbol, Reason: "clock_skew", TS: now})
	}

	tick.Quality = qualityScore(tick, f.cfg.DegradedLatency)

	f.mu.Lock()
	f.lastTick = now
	f.received++
	lat := tick.Latency()
	if lat >= 0 {
		if f.latencyEWMA == 0 {
			f.latencyEWMA = lat
		} else {
			f.latencyEWMA = (f.latencyEWMA*9 + lat) / 10
		}
	}
	f.mu.Unlock()

	f.sink(tick)
	f.emit(TickEvent{Tick: tick})
}

// checkHealth degrades a connected feed whose heartbeat, latency, or loss
// rate crossed the configured thresholds. Called from the aggregation loop.
func (f *feed) checkHealth(dropped uint64) {
	f.mu.Lock()
	state := f.state
	heartbeatAge := f.now().Sub(f.lastTick)
	latency := f.latencyEWMA
	received := f.received
	f.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return
	}

	lossRate := 0.0
	if received+dropped > 0 {
		lossRate = float64(dropped) / float64(received+dropped)
	}

	degraded := heartbeatAge > f.cfg.HeartbeatTimeout ||
		latency > f.cfg.DegradedLatency ||
		lossRate > f.cfg.MaxLossRate

	switch {
	case degraded && state == StateConnected:
		f.transition(StateDegraded, degradeReason(heartbeatAge, f.cfg.HeartbeatTimeout, latency, f.cfg.DegradedLatency, lossRate))
	case !degraded && state == StateDegraded:
		f.transition(StateConnected, "recovered")
	}
}

func (f *feed) transition(to ConnState, reason string) {
	f.mu.Lock()
	from := f.state
	if from == to {
		f.mu.Unlock()
		return
	}
	f.state = to
	f.mu.Unlock()

	f.logger.Warn().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("connection state change")
	f.emit(ConnectionEvent{Exchange: f.adapter.Name(), From: from, To: to, Reason: reason, TS: f.now().UTC()})
}

// State returns the current connection state.
func (f *feed) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *feed) status(dropped uint64) ExchangeStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	lossRate := 0.0
	if f.received+dropped > 0 {
		lossRate = float64(dropped) / float64(f.received+dropped)
	}
	return ExchangeStatus{
		Exchange:     f.adapter.Name(),
		State:        f.state,
		LastTick:     f.lastTick,
		AvgLatency:   f.latencyEWMA,
		LossRate:     lossRate,
		Reconnects:   f.reconnects,
		TicksTotal:   f.received,
		TicksDropped: dropped,
	}
}

func errReason(err error) string {
	if err == nil {
		return "stream closed"
	}
	return err.Error()
}

func degradeReason(hb, hbMax time.Duration, lat, latMax time.Duration, loss float64) string {
	switch {
	case hb > hbMax:
		return "heartbeat timeout"
	case lat > latMax:
		return "latency above threshold"
	default:
		return "message loss above threshold"
	}
}
