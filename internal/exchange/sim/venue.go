// Package sim implements a deterministic in-memory venue adapter. It matches
// orders against a scripted order book and reports fills asynchronously,
// which is what the end-to-end scenario tests and paper-trading runs drive
// against. It never ships in a live configuration.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/exchange"
)

// Level is one price level of scripted liquidity.
type Level struct {
	Price float64
	Qty   float64
}

// Book is the scripted liquidity for one symbol.
type Book struct {
	Bids []Level // descending price
	Asks []Level // ascending price
}

type workingOrder struct {
	order      domain.Order
	exchangeID string
	remaining  float64
	done       bool
}

// Venue is a deterministic simulated exchange.
type Venue struct {
	name          string
	commissionBps float64

	mu      sync.Mutex
	books   map[string]Book
	orders  map[string]*workingOrder
	reports []exchange.ExecutionReport
	execCh  chan<- exchange.ExecutionReport
	streams []chan<- domain.Tick
	latency time.Duration
	now     func() time.Time
}

// New creates a simulated venue.
func New(name string, commissionBps float64) *Venue {
	return &Venue{
		name:          name,
		commissionBps: commissionBps,
		books:         make(map[string]Book),
		orders:        make(map[string]*workingOrder),
		now:           time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (v *Venue) SetClock(now func() time.Time) { v.now = now }

// SetLatency backdates the server timestamp on published ticks, simulating
// transport delay between the venue and the local clock.
func (v *Venue) SetLatency(d time.Duration) {
	v.mu.Lock()
	v.latency = d
	v.mu.Unlock()
}

// Name returns the venue identifier.
func (v *Venue) Name() string { return v.name }

// SupportsSymbol reports whether a book has been scripted for the symbol.
func (v *Venue) SupportsSymbol(symbol string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.books[symbol]
	return ok
}

// Limits returns a permissive request budget for tests.
func (v *Venue) Limits() exchange.RateLimits {
	return exchange.RateLimits{MaxOrdersPerSec: 100, MinRequestInterval: time.Millisecond}
}

// SetBook replaces the scripted book for a symbol, publishes a tick derived
// from its top of book, and re-matches working orders against the new
// liquidity.
func (v *Venue) SetBook(symbol string, book Book) {
	v.mu.Lock()
	v.books[symbol] = book
	tick := v.topOfBookLocked(symbol, book)
	var reports []exchange.ExecutionReport
	for _, wo := range v.orders {
		if wo.done || wo.order.Symbol != symbol {
			continue
		}
		reports = append(reports, v.matchLocked(wo)...)
	}
	streams := append([]chan<- domain.Tick(nil), v.streams...)
	v.mu.Unlock()

	for _, ch := range streams {
		select {
		case ch <- tick:
		default: // slow consumer, drop; the aggregator counts losses itself
		}
	}
	v.deliver(reports)
}

func (v *Venue) topOfBookLocked(symbol string, book Book) domain.Tick {
	now := v.now().UTC()
	tick := domain.Tick{
		Symbol:   symbol,
		Exchange: v.name,
		ServerTS: now.Add(-v.latency),
		LocalTS:  now,
		Quality:  1.0,
	}
	if len(book.Bids) > 0 {
		tick.Bid = book.Bids[0].Price
		tick.BidQty = book.Bids[0].Qty
	}
	if len(book.Asks) > 0 {
		tick.Ask = book.Asks[0].Price
		tick.AskQty = book.Asks[0].Qty
	}
	tick.Last = tick.Mid()
	tick.LastQty = tick.BidQty
	return tick
}

// Stream pushes a tick per SetBook call for the subscribed symbols.
func (v *Venue) Stream(ctx context.Context, symbols []string, out chan<- domain.Tick) error {
	v.mu.Lock()
	v.streams = append(v.streams, out)
	v.mu.Unlock()
	<-ctx.Done()
	v.mu.Lock()
	for i, ch := range v.streams {
		if ch == out {
			v.streams = append(v.streams[:i], v.streams[i+1:]...)
			break
		}
	}
	v.mu.Unlock()
	return ctx.Err()
}

// Submit accepts the order and matches it against the scripted book. Fills
// are reported asynchronously through Executions.
func (v *Venue) Submit(ctx context.Context, order domain.Order) (string, error) {
	v.mu.Lock()
	if _, ok := v.books[order.Symbol]; !ok {
		v.mu.Unlock()
		return "", exchange.NewVenueError(v.name, exchange.KindValidation,
			fmt.Errorf("unknown symbol %s", order.Symbol))
	}
	wo := &workingOrder{
		order:      order,
		exchangeID: "sim-" + uuid.NewString(),
		remaining:  order.RemainingQty(),
	}
	v.orders[wo.exchangeID] = wo

	var reports []exchange.ExecutionReport
	if order.TIF == domain.FOK && v.fillableLocked(order, wo.remaining) < wo.remaining-domain.QtyEpsilon {
		// fill-or-kill: the book cannot absorb the full quantity, so nothing
		// trades
		wo.done = true
		reports = append(reports, exchange.ExecutionReport{
			ExchangeOrderID: wo.exchangeID,
			Done:            true,
			Status:          domain.OrderCancelled,
			Reason:          "fok_unfillable",
		})
	} else {
		reports = v.matchLocked(wo)
		if !wo.done && order.TIF == domain.IOC {
			wo.done = true
			reports = append(reports, exchange.ExecutionReport{
				ExchangeOrderID: wo.exchangeID,
				Done:            true,
				Status:          domain.OrderCancelled,
				Reason:          "ioc_remainder",
			})
		}
	}
	v.mu.Unlock()

	v.deliver(reports)
	return wo.exchangeID, nil
}

// fillableLocked reports how much of want the current book could fill
// without consuming any liquidity. Caller holds v.mu.
func (v *Venue) fillableLocked(order domain.Order, want float64) float64 {
	book := v.books[order.Symbol]
	levels := book.Asks
	if order.Side == domain.Sell {
		levels = book.Bids
	}
	var avail float64
	for _, lv := range levels {
		if lv.Qty <= 0 {
			continue
		}
		if order.Kind == domain.Limit {
			if order.Side == domain.Buy && lv.Price > order.LimitPrice {
				break
			}
			if order.Side == domain.Sell && lv.Price < order.LimitPrice {
				break
			}
		}
		avail += lv.Qty
		if avail >= want {
			break
		}
	}
	return avail
}

// matchLocked consumes book liquidity the order crosses. Caller holds v.mu.
func (v *Venue) matchLocked(wo *workingOrder) []exchange.ExecutionReport {
	book := v.books[wo.order.Symbol]
	levels := book.Asks
	if wo.order.Side == domain.Sell {
		levels = book.Bids
	}

	var reports []exchange.ExecutionReport
	for i := 0; i < len(levels) && wo.remaining > domain.QtyEpsilon; i++ {
		lv := levels[i]
		if lv.Qty <= 0 {
			continue
		}
		if wo.order.Kind == domain.Limit {
			if wo.order.Side == domain.Buy && lv.Price > wo.order.LimitPrice {
				break
			}
			if wo.order.Side == domain.Sell && lv.Price < wo.order.LimitPrice {
				break
			}
		}
		qty := lv.Qty
		if qty > wo.remaining {
			qty = wo.remaining
		}
		wo.remaining -= qty
		levels[i].Qty -= qty

		commission := domain.USD(lv.Price * qty * v.commissionBps / 1e4)
		reports = append(reports, exchange.ExecutionReport{
			ExchangeOrderID: wo.exchangeID,
			Fill: &domain.Fill{
				ID:         "fill-" + uuid.NewString(),
				OrderID:    wo.order.ID,
				TS:         v.now().UTC(),
				Qty:        qty,
				Price:      lv.Price,
				Commission: commission,
				IsMaker:    false,
			},
		})
	}
	if wo.order.Side == domain.Sell {
		book.Bids = levels
	} else {
		book.Asks = levels
	}
	v.books[wo.order.Symbol] = book

	if wo.remaining <= domain.QtyEpsilon {
		wo.done = true
		reports = append(reports, exchange.ExecutionReport{
			ExchangeOrderID: wo.exchangeID,
			Done:            true,
			Status:          domain.OrderFilled,
		})
	}
	return reports
}

// Cancel marks a working order cancelled and reports it.
func (v *Venue) Cancel(ctx context.Context, exchangeOrderID string) error {
	v.mu.Lock()
	wo, ok := v.orders[exchangeOrderID]
	if !ok {
		v.mu.Unlock()
		return exchange.NewVenueError(v.name, exchange.KindNotFound,
			fmt.Errorf("order %s not found", exchangeOrderID))
	}
	if wo.done {
		v.mu.Unlock()
		return nil
	}
	wo.done = true
	report := exchange.ExecutionReport{
		ExchangeOrderID: exchangeOrderID,
		Done:            true,
		Status:          domain.OrderCancelled,
	}
	v.mu.Unlock()

	v.deliver([]exchange.ExecutionReport{report})
	return nil
}

// Status returns the venue's view of an order.
func (v *Venue) Status(ctx context.Context, exchangeOrderID string) (domain.OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	wo, ok := v.orders[exchangeOrderID]
	if !ok {
		return "", exchange.NewVenueError(v.name, exchange.KindNotFound,
			fmt.Errorf("order %s not found", exchangeOrderID))
	}
	switch {
	case wo.done && wo.remaining <= domain.QtyEpsilon:
		return domain.OrderFilled, nil
	case wo.done:
		return domain.OrderCancelled, nil
	case wo.remaining < wo.order.Qty:
		return domain.OrderPartial, nil
	default:
		return domain.OrderSubmitted, nil
	}
}

// Executions registers the report channel and blocks until ctx is done.
func (v *Venue) Executions(ctx context.Context, out chan<- exchange.ExecutionReport) error {
	v.mu.Lock()
	v.execCh = out
	backlog := v.reports
	v.reports = nil
	v.mu.Unlock()
	for _, r := range backlog {
		select {
		case out <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	v.mu.Lock()
	v.execCh = nil
	v.mu.Unlock()
	return ctx.Err()
}

func (v *Venue) deliver(reports []exchange.ExecutionReport) {
	if len(reports) == 0 {
		return
	}
	v.mu.Lock()
	ch := v.execCh
	if ch == nil {
		v.reports = append(v.reports, reports...)
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	for _, r := range reports {
		ch <- r
	}
}
