package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// Side is the order direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// OrderKind identifies the execution style of an order.
type OrderKind string

const (
	Market     OrderKind = "market"
	Limit      OrderKind = "limit"
	StopLoss   OrderKind = "stop_loss"
	StopLimit  OrderKind = "stop_limit"
	TakeProfit OrderKind = "take_profit"
	Iceberg    OrderKind = "iceberg"
	TWAP       OrderKind = "twap"
	VWAP       OrderKind = "vwap"
)

// Algorithmic reports whether the kind decomposes into child orders.
func (k OrderKind) Algorithmic() bool {
	switch k {
	case Iceberg, TWAP, VWAP:
		return true
	}
	return false
}

// TimeInForce controls order expiration semantics.
type TimeInForce string

const (
	GTC TimeInForce = "gtc"
	IOC TimeInForce = "ioc"
	FOK TimeInForce = "fok"
	Day TimeInForce = "day"
	GTD TimeInForce = "gtd"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderPartial   OrderStatus = "partially_filled"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
	OrderExpired   OrderStatus = "expired"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderFailed:
		return true
	}
	return false
}

// Order is the order manager's view of a single order. The manager is the
// sole mutator; external readers receive copies.
type Order struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id,omitempty"`
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange,omitempty"`
	Side     Side      `json:"side"`
	Kind     OrderKind `json:"kind"`

	Qty        float64     `json:"qty"`
	LimitPrice float64     `json:"limit_price,omitempty"`
	StopPrice  float64     `json:"stop_price,omitempty"`
	TIF        TimeInForce `json:"tif"`
	ExpiresAt  time.Time   `json:"expires_at,omitempty"`

	Status          OrderStatus `json:"status"`
	StatusReason    string      `json:"status_reason,omitempty"`
	FilledQty       float64     `json:"filled_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	CommissionTotal MicroUSD    `json:"commission_total"`
	SlippageBps     float64     `json:"slippage_bps"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
}

// RemainingQty is the unfilled remainder; filled + remaining always equals qty.
func (o Order) RemainingQty() float64 {
	return o.Qty - o.FilledQty
}

// Fill is one execution against an order. Fills are immutable and append-only.
type Fill struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	TS         time.Time `json:"ts"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price"`
	Commission MicroUSD  `json:"commission"`
	IsMaker    bool      `json:"is_maker"`
}

var orderSeq atomic.Uint64

// NewOrderID generates a monotonic-plus-random order identifier. The
// monotonic prefix keeps IDs sortable by creation order within a process;
// the random suffix keeps them unguessable across restarts.
func NewOrderID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("ord-%012d-%s", orderSeq.Add(1), hex.EncodeToString(b[:]))
}
