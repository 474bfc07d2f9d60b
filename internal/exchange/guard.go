package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrBreakerOpen is returned while a venue's circuit is open.
var ErrBreakerOpen = errors.New("venue circuit open")

// Guard wraps venue REST calls with a token-bucket rate limiter and a
// circuit breaker. One Guard per venue; the order manager serializes its
// requests per venue through it.
type Guard struct {
	venue   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	mu        sync.Mutex
	throttled time.Time // adaptive throttle deadline after a 429
}

// NewGuard builds a guard for one venue.
func NewGuard(venue string, ordersPerSec float64, burst int, logger zerolog.Logger) *Guard {
	g := &Guard{
		venue:   venue,
		limiter: rate.NewLimiter(rate.Limit(ordersPerSec), burst),
		logger:  logger.With().Str("venue", venue).Logger(),
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        venue,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("venue circuit state change")
		},
	})
	return g
}

// Do executes fn under the rate limiter and breaker. Rate-limited venue
// responses extend an adaptive throttle window that delays subsequent calls.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	until := g.throttled
	g.mu.Unlock()
	if wait := time.Until(until); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NewVenueError(g.venue, KindTransient, ErrBreakerOpen)
	}
	if err != nil && KindOf(err) == KindRateLimited {
		g.Throttle(5 * time.Second)
	}
	return err
}

// Throttle extends the adaptive throttle window.
func (g *Guard) Throttle(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	deadline := time.Now().Add(d)
	if deadline.After(g.throttled) {
		g.throttled = deadline
		g.logger.Warn().Dur("for", d).Msg("venue throttled")
	}
}

// Available reports whether the breaker currently admits requests.
func (g *Guard) Available() bool {
	return g.breaker.State() != gobreaker.StateOpen
}
