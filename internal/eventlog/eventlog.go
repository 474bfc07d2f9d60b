// Package eventlog provides the append-only event log the control plane
// persists its durable history to: order lifecycle events, fills, risk
// decisions and violations, compliance measurements, alerts, emergency
// reports, and operational audit entries. Entries are insertion-ordered
// with monotonic sequence numbers.
package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

// Kind classifies a log entry.
type Kind string

const (
	KindOrderAccepted  Kind = "order_accepted"
	KindOrderSubmitted Kind = "order_submitted"
	KindOrderFill      Kind = "order_fill"
	KindOrderDone      Kind = "order_done"
	KindRiskDecision   Kind = "risk_decision"
	KindRiskViolation  Kind = "risk_violation"
	KindRiskLevel      Kind = "risk_level"
	KindCompliance     Kind = "compliance_measurement"
	KindCorrective     Kind = "corrective_action"
	KindAlert          Kind = "alert"
	KindEmergency      Kind = "emergency_report"
	KindAudit          Kind = "audit"
)

// Entry is one immutable log record. Seq is assigned by the log and is
// strictly increasing.
type Entry struct {
	Seq     uint64          `json:"seq" db:"seq"`
	TS      time.Time       `json:"ts" db:"ts"`
	Kind    Kind            `json:"kind" db:"kind"`
	Key     string          `json:"key" db:"key"` // order ID, symbol, alert ID...
	Payload json.RawMessage `json:"payload" db:"payload"`
}

// Log is the append-only event log contract.
type Log interface {
	// Append records one entry and returns its sequence number.
	Append(ctx context.Context, kind Kind, key string, payload any) (uint64, error)

	// List returns entries of the given kinds (all kinds if empty) with
	// seq > afterSeq, oldest first, up to limit.
	List(ctx context.Context, afterSeq uint64, limit int, kinds ...Kind) ([]Entry, error)

	// ListByKey returns entries for one key, oldest first.
	ListByKey(ctx context.Context, key string, limit int) ([]Entry, error)

	// Close releases backend resources.
	Close() error
}

func marshal(payload any) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
