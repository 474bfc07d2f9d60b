package marketdata

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/exchange/sim"
)

type feedProbe struct {
	ticks  []domain.Tick
	events []Event
}

func (p *feedProbe) sink(tick domain.Tick) { p.ticks = append(p.ticks, tick) }
func (p *feedProbe) emit(ev Event)         { p.events = append(p.events, ev) }

func (p *feedProbe) qualityReasons() []string {
	var out []string
	for _, ev := range p.events {
		if q, ok := ev.(QualityEvent); ok {
			out = append(out, q.Reason)
		}
	}
	return out
}

func testFeed(t *testing.T) (*feed, *feedProbe, time.Time) {
	t.Helper()
	probe := &feedProbe{}
	f := newFeed(sim.New("alpha", 0), config.Default().MarketData, []string{"BTC-USD"}, probe.sink, probe.emit, zerolog.Nop())
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	return f, probe, now
}

func TestFeedAcceptRejectsInvalidBook(t *testing.T) {
	f, probe, now := testFeed(t)

	crossed := domain.Tick{
		Symbol: "BTC-USD", Exchange: "alpha",
		Bid: 50_010, Ask: 49_990, Last: 50_000,
		ServerTS: now, LocalTS: now,
	}
	f.accept(crossed)

	assert.Empty(t, probe.ticks, "invalid tick must not reach the sink")
	assert.Equal(t, []string{"invalid_book"}, probe.qualityReasons())
	assert.Equal(t, uint64(1), f.invalid)
}

func TestFeedAcceptFlagsClockSkew(t *testing.T) {
	f, probe, now := testFeed(t)

	ahead := domain.Tick{
		Symbol: "BTC-USD", Exchange: "alpha",
		Bid: 49_990, Ask: 50_010, Last: 50_000,
		BidQty: 1, AskQty: 1,
		ServerTS: now.Add(time.Second), LocalTS: now,
	}
	f.accept(ahead)

	require.Len(t, probe.ticks, 1, "skewed ticks are forwarded, just flagged")
	assert.True(t, probe.ticks[0].ClockSkew)
	assert.Contains(t, probe.qualityReasons(), "clock_skew")
	assert.Equal(t, uint64(1), f.skewed)
}

func TestFeedAcceptScoresAndTracksLatency(t *testing.T) {
	f, probe, now := testFeed(t)

	tick := domain.Tick{
		Symbol: "BTC-USD", Exchange: "alpha",
		Bid: 49_990, Ask: 50_010, Last: 50_000,
		BidQty: 1, AskQty: 1, LastQty: 0.5, DailyVolume: 100,
		ServerTS: now.Add(-20 * time.Millisecond), LocalTS: now,
	}
	f.accept(tick)

	require.Len(t, probe.ticks, 1)
	assert.InDelta(t, 1.0, probe.ticks[0].Quality, 1e-9)
	assert.Equal(t, 20*time.Millisecond, f.latencyEWMA)
	assert.Equal(t, uint64(1), f.received)

	// a TickEvent follows the sink call
	var sawTick bool
	for _, ev := range probe.events {
		if _, ok := ev.(TickEvent); ok {
			sawTick = true
		}
	}
	assert.True(t, sawTick)
}

func TestFeedHealthDegradesAndRecovers(t *testing.T) {
	f, probe, now := testFeed(t)
	f.state = StateConnected
	f.lastTick = now.Add(-f.cfg.HeartbeatTimeout - time.Second)

	f.checkHealth(0)
	assert.Equal(t, StateDegraded, f.State())

	f.mu.Lock()
	f.lastTick = now
	f.mu.Unlock()
	f.checkHealth(0)
	assert.Equal(t, StateConnected, f.State())

	var transitions []ConnState
	for _, ev := range probe.events {
		if c, ok := ev.(ConnectionEvent); ok {
			transitions = append(transitions, c.To)
		}
	}
	assert.Equal(t, []ConnState{StateDegraded, StateConnected}, transitions)
}

func TestFeedHealthIgnoresDisconnected(t *testing.T) {
	f, _, now := testFeed(t)
	f.lastTick = now.Add(-time.Hour)

	f.checkHealth(0)
	assert.Equal(t, StateDisconnected, f.State())
}
