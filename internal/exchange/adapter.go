// Package exchange defines the pluggable venue adapter contract and the
// shared resilience wrapper (rate limiting + circuit breaking) that every
// REST call to a venue goes through. Wire formats of individual venues live
// in the per-venue subpackages; the core depends only on this contract.
package exchange

import (
	"context"
	"time"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// RateLimits is the venue-advertised request budget.
type RateLimits struct {
	MaxOrdersPerSec    float64       `json:"max_orders_per_sec"`
	MinRequestInterval time.Duration `json:"min_request_interval"`
}

// Credentials is an opaque bag the adapter uses to sign requests per venue
// rules. The core never inspects it.
type Credentials struct {
	APIKey    string
	APISecret string
	Extra     map[string]string
}

// ExecutionReport is a venue's asynchronous report for a working order:
// zero or more fills followed by a terminal status.
type ExecutionReport struct {
	ExchangeOrderID string             `json:"exchange_order_id"`
	Fill            *domain.Fill       `json:"fill,omitempty"`
	Done            bool               `json:"done"`
	Status          domain.OrderStatus `json:"status,omitempty"`
	Reason          string             `json:"reason,omitempty"`
}

// Adapter is the per-venue integration contract.
type Adapter interface {
	// Name returns the venue identifier (e.g. "kraken").
	Name() string

	// SupportsSymbol reports whether the venue trades the symbol.
	SupportsSymbol(symbol string) bool

	// Stream pushes normalized ticks for the symbols onto out until ctx is
	// done or the connection fails. The caller owns reconnect policy.
	Stream(ctx context.Context, symbols []string, out chan<- domain.Tick) error

	// Submit places an order and returns the venue's order ID.
	Submit(ctx context.Context, order domain.Order) (string, error)

	// Cancel requests cancellation of a working order.
	Cancel(ctx context.Context, exchangeOrderID string) error

	// Status queries the venue for the current order state.
	Status(ctx context.Context, exchangeOrderID string) (domain.OrderStatus, error)

	// Executions pushes fills and terminal reports onto out until ctx is done.
	Executions(ctx context.Context, out chan<- ExecutionReport) error

	// Limits returns the venue request budget.
	Limits() RateLimits
}
