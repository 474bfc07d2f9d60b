// Package orders implements the order manager: validation, pre-trade risk and
// compliance gating, venue routing, the order lifecycle state machine, fill
// accounting, algorithmic parent/child execution, and expiry.
package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/tradepilot/tradepilot/internal/domain"
)

var (
	// ErrNotFound means no active or recently completed order has the ID.
	ErrNotFound = errors.New("order not found")
	// ErrTerminal rejects mutations of orders in a terminal status.
	ErrTerminal = errors.New("order is terminal")
	// ErrPaused rejects new orders while submissions are paused.
	ErrPaused = errors.New("new orders are paused")
	// ErrQuarantined rejects orders for a symbol under accounting quarantine.
	ErrQuarantined = errors.New("symbol is quarantined")
	// ErrNotWorking rejects modification of orders not yet working at a
	// venue. Only submitted or partially filled orders can be replaced.
	ErrNotWorking = errors.New("order is not working")
	// ErrNoVenue means routing found no eligible exchange.
	ErrNoVenue = errors.New("no eligible exchange")
)

// SubmitRequest is the order entry contract.
type SubmitRequest struct {
	Symbol     string             `json:"symbol"`
	Exchange   string             `json:"exchange,omitempty"` // empty routes automatically
	Side       domain.Side        `json:"side"`
	Kind       domain.OrderKind   `json:"kind"`
	Qty        float64            `json:"qty"`
	LimitPrice float64            `json:"limit_price,omitempty"`
	StopPrice  float64            `json:"stop_price,omitempty"`
	TIF        domain.TimeInForce `json:"tif"`
	ExpiresAt  time.Time          `json:"expires_at,omitempty"`
}

// Validate checks the request's internal consistency before any gating.
func (r SubmitRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != domain.Buy && r.Side != domain.Sell {
		return fmt.Errorf("side must be buy or sell")
	}
	if r.Qty <= 0 {
		return fmt.Errorf("qty must be > 0")
	}
	switch r.Kind {
	case domain.Market:
		if r.LimitPrice != 0 {
			return fmt.Errorf("market orders carry no limit price")
		}
	case domain.Limit:
		if r.LimitPrice <= 0 {
			return fmt.Errorf("limit orders require a positive limit price")
		}
	case domain.Iceberg, domain.TWAP, domain.VWAP:
		// algorithmic orders may work at market (no limit) or at a cap
	case domain.StopLoss, domain.TakeProfit:
		if r.StopPrice <= 0 {
			return fmt.Errorf("%s orders require a positive stop price", r.Kind)
		}
	case domain.StopLimit:
		if r.StopPrice <= 0 || r.LimitPrice <= 0 {
			return fmt.Errorf("stop-limit orders require stop and limit prices")
		}
	default:
		return fmt.Errorf("unknown order kind %q", r.Kind)
	}
	switch r.TIF {
	case domain.GTC, domain.Day, "":
	case domain.GTD:
		if r.ExpiresAt.IsZero() {
			return fmt.Errorf("gtd orders require expires_at")
		}
	case domain.IOC, domain.FOK:
		if r.Kind.Algorithmic() {
			return fmt.Errorf("%s is incompatible with algorithmic orders", r.TIF)
		}
	default:
		return fmt.Errorf("unknown time in force %q", r.TIF)
	}
	return nil
}

// ModifyRequest is a cancel/replace: the working order is cancelled and a
// replacement for the unfilled remainder is submitted.
type ModifyRequest struct {
	OrderID    string  `json:"order_id"`
	Qty        float64 `json:"qty,omitempty"`         // 0 keeps the remaining qty
	LimitPrice float64 `json:"limit_price,omitempty"` // 0 keeps the current price
}

// Event is any order-manager event.
type Event interface{ orderEvent() }

// Accepted announces an order that passed validation and gating.
type Accepted struct{ Order domain.Order }

// Rejected announces a pre-submission rejection with its reason.
type Rejected struct {
	Request SubmitRequest
	Reason  string
}

// StatusChanged announces an order lifecycle transition.
type StatusChanged struct {
	Order domain.Order
	From  domain.OrderStatus
}

// FillApplied announces one accounted execution.
type FillApplied struct {
	Order domain.Order
	Fill  domain.Fill
}

// SymbolQuarantined announces that fill accounting for a symbol failed an
// invariant and the symbol no longer accepts orders.
type SymbolQuarantined struct {
	Symbol string
	Reason string
}

func (Accepted) orderEvent()          {}
func (Rejected) orderEvent()          {}
func (StatusChanged) orderEvent()     {}
func (FillApplied) orderEvent()       {}
func (SymbolQuarantined) orderEvent() {}
