// Package supervisor is the control plane's top layer: it polls component
// health, turns component events into deduplicated alerts, publishes the
// dashboard snapshot, and owns the emergency stop.
package supervisor

import (
	"time"

	"github.com/tradepilot/tradepilot/internal/compliance"
	"github.com/tradepilot/tradepilot/internal/domain"
	"github.com/tradepilot/tradepilot/internal/marketdata"
	"github.com/tradepilot/tradepilot/internal/risk"
)

// Health is a component health grade.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Critical Health = "critical"
	Offline  Health = "offline"
)

// ComponentHealth is one poll result.
type ComponentHealth struct {
	Component string    `json:"component"`
	State     Health    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Alert is a deduplicated operator notification. Repeats of the same
// (component, title) pair within the cooldown window bump Count instead of
// producing a new alert.
type Alert struct {
	ID        string `json:"id"`
	Component string `json:"component"`
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
	Level     int    `json:"level"` // 1 info, 2 warning, 3 critical

	RaisedAt     time.Time `json:"raised_at"`
	LastRaisedAt time.Time `json:"last_raised_at"`
	Count        int       `json:"count"`
	EscalatedAt  time.Time `json:"escalated_at,omitempty"`
	AckedAt      time.Time `json:"acked_at,omitempty"`
	AckedBy      string    `json:"acked_by,omitempty"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty"`
}

// Dashboard is the operator snapshot published on every dashboard tick.
type Dashboard struct {
	TS         time.Time         `json:"ts"`
	Components []ComponentHealth `json:"components"`

	Exchanges  []marketdata.ExchangeStatus `json:"exchanges"`
	Risk       risk.Assessment             `json:"risk"`
	Compliance compliance.Measurement      `json:"compliance"`

	ActiveOrders   int            `json:"active_orders"`
	OrderErrorRate float64        `json:"order_error_rate"`
	OrdersPaused   bool           `json:"orders_paused"`
	PauseReason    string         `json:"pause_reason,omitempty"`
	ActiveAlerts   []Alert        `json:"active_alerts"`
	Emergency      *EmergencyInfo `json:"emergency,omitempty"`
}

// EmergencyInfo summarizes the stop state on the dashboard.
type EmergencyInfo struct {
	StoppedAt       time.Time `json:"stopped_at"`
	Reason          string    `json:"reason"`
	EarliestRestart time.Time `json:"earliest_restart"`
}

// EmergencyReport is the durable record of one emergency stop.
type EmergencyReport struct {
	TS              time.Time       `json:"ts"`
	Caller          string          `json:"caller"`
	Reason          string          `json:"reason"`
	CancelledOrders int             `json:"cancelled_orders"`
	ClosedPositions []domain.Order  `json:"closed_positions"`
	FinalAssessment risk.Assessment `json:"final_assessment"`
	EarliestRestart time.Time       `json:"earliest_restart"`
}
