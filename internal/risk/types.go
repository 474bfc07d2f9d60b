package risk

import (
	"time"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// Level is the portfolio risk level with hysteresis between bands.
type Level int

const (
	Green Level = iota
	Yellow
	Orange
	Red
)

func (l Level) String() string {
	switch l {
	case Yellow:
		return "yellow"
	case Orange:
		return "orange"
	case Red:
		return "red"
	default:
		return "green"
	}
}

// Rule identifies a pre-trade check.
type Rule string

const (
	RuleNotional      Rule = "position_notional_exceeded"
	RuleConcentration Rule = "concentration_exceeded"
	RuleVaR           Rule = "var_exceeded"
	RuleDrawdown      Rule = "drawdown_exceeded"
	RuleCash          Rule = "insufficient_cash"
)

// Reason is one structured rejection: the rule, the value it saw, and the
// configured limit.
type Reason struct {
	Rule   Rule    `json:"rule"`
	Actual float64 `json:"actual"`
	Limit  float64 `json:"limit"`
}

// Decision is the answer to a pre-trade check. Rejections carry specific
// reasons, never a bare boolean; AdjustedQty, when set, is a scaled-down
// quantity that would pass every check.
type Decision struct {
	Approved    bool     `json:"approved"`
	Reasons     []Reason `json:"reasons,omitempty"`
	AdjustedQty float64  `json:"adjusted_qty,omitempty"`
}

// Violation is an open breach of a risk limit.
type Violation struct {
	ID       string    `json:"id"`
	Rule     Rule      `json:"rule"`
	Symbol   string    `json:"symbol,omitempty"`
	Actual   float64   `json:"actual"`
	Limit    float64   `json:"limit"`
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at,omitempty"`
}

// Assessment is a point-in-time snapshot of the engine's state.
type Assessment struct {
	TS             time.Time         `json:"ts"`
	Positions      []domain.Position `json:"positions"`
	Cash           domain.MicroUSD   `json:"cash"`
	PortfolioValue domain.MicroUSD   `json:"portfolio_value"`
	Drawdown       float64           `json:"drawdown"`
	Volatility     float64           `json:"volatility"`
	VaR95          float64           `json:"var95"`
	Concentration  float64           `json:"concentration"`
	Level          Level             `json:"level"`
	OpenViolations int               `json:"open_violations"`
}

// LevelTransition announces a risk level change.
type LevelTransition struct {
	From Level     `json:"from"`
	To   Level     `json:"to"`
	TS   time.Time `json:"ts"`
	// Metrics at the moment of transition, for the event log.
	Drawdown      float64 `json:"drawdown"`
	Volatility    float64 `json:"volatility"`
	VaR95         float64 `json:"var95"`
	Concentration float64 `json:"concentration"`
}

// Event is any risk engine event.
type Event interface{ riskEvent() }

// ViolationOpened fires when a limit is first breached.
type ViolationOpened struct{ Violation Violation }

// ViolationClosed fires when a breach clears.
type ViolationClosed struct{ Violation Violation }

func (LevelTransition) riskEvent() {}
func (ViolationOpened) riskEvent() {}
func (ViolationClosed) riskEvent() {}
