package orders

import (
	"fmt"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// validTransitions is the order lifecycle state machine. Terminal states have
// no outgoing edges; Pending can go terminal directly when submission is
// rejected, fails, or the order is cancelled before it reaches a venue.
var validTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderPending: {
		domain.OrderSubmitted, domain.OrderRejected, domain.OrderFailed,
		domain.OrderCancelled, domain.OrderExpired,
	},
	domain.OrderSubmitted: {
		domain.OrderPartial, domain.OrderFilled, domain.OrderCancelled,
		domain.OrderRejected, domain.OrderExpired, domain.OrderFailed,
	},
	domain.OrderPartial: {
		domain.OrderPartial, domain.OrderFilled, domain.OrderCancelled,
		domain.OrderExpired, domain.OrderFailed,
	},
}

// canTransition reports whether from -> to is a legal lifecycle edge.
func canTransition(from, to domain.OrderStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition mutates the order's status after validating the edge.
func transition(o *domain.Order, to domain.OrderStatus, reason string) error {
	if o.Status == to {
		return nil
	}
	if !canTransition(o.Status, to) {
		return fmt.Errorf("illegal order transition %s -> %s", o.Status, to)
	}
	o.Status = to
	if reason != "" {
		o.StatusReason = reason
	}
	return nil
}
