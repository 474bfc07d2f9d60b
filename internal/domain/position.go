package domain

import "time"

// QtyEpsilon is the threshold below which a position's signed quantity is
// treated as flat and the position is closed out.
const QtyEpsilon = 1e-9

// Position is one open exposure, owned by the risk engine. It is created by
// the first fill for a symbol, mutated only by fills or forced close, and
// destroyed when the signed quantity returns to ~zero.
type Position struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	SignedQty  float64   `json:"signed_qty"`
	EntryPrice float64   `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`

	RealizedPnL MicroUSD  `json:"realized_pnl"`
	OpenedAt    time.Time `json:"opened_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValueUSD is the absolute exposure at the current mark.
func (p Position) ValueUSD() MicroUSD {
	return USD(p.CurrentPrice).MulQty(p.SignedQty).Abs()
}

// UnrealizedPnL marks the open quantity against the current price.
func (p Position) UnrealizedPnL() MicroUSD {
	return USD(p.CurrentPrice - p.EntryPrice).MulQty(p.SignedQty)
}

// Flat reports whether the position is effectively closed.
func (p Position) Flat() bool {
	q := p.SignedQty
	if q < 0 {
		q = -q
	}
	return q < QtyEpsilon
}

// Signal is a trade intent from an external strategy. The order manager
// translates it into a concrete order: sizing is
// equity x size_hint x confidence, rounded to the venue lot.
type Signal struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	SizeHint   float64 `json:"size_hint"`   // fraction of equity
	Confidence float64 `json:"confidence"`  // [0,1]
	Rationale  string  `json:"rationale"`
}
