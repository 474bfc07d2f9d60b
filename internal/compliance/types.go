package compliance

import "time"

// Status classifies a correlation measurement against the configured bands.
type Status string

const (
	Compliant Status = "compliant"
	Warning   Status = "warning"
	Critical  Status = "critical"
	Emergency Status = "emergency"
	Unknown   Status = "unknown"
)

// Rank orders statuses by severity for escalation logic; Unknown ranks
// between Compliant and Warning because it blocks nothing by itself.
func (s Status) Rank() int {
	switch s {
	case Compliant:
		return 0
	case Unknown:
		return 1
	case Warning:
		return 2
	case Critical:
		return 3
	case Emergency:
		return 4
	}
	return 1
}

func (s Status) gaugeValue() float64 {
	switch s {
	case Compliant:
		return 0
	case Warning:
		return 1
	case Critical:
		return 2
	case Emergency:
		return 3
	default:
		return 4
	}
}

// Measurement is one correlation observation against the TRS target.
type Measurement struct {
	TS         time.Time `json:"ts"`
	Measured   float64   `json:"measured_correlation"`
	Target     float64   `json:"target"`
	Gap        float64   `json:"gap"` // target - measured
	PValue     float64   `json:"p_value"`
	CILow      float64   `json:"ci_low"`
	CIHigh     float64   `json:"ci_high"`
	SampleSize int       `json:"sample_size"`
	Status     Status    `json:"status"`
	TrendSlope float64   `json:"trend_slope"`
}

// ActionState tracks a corrective action's lifecycle.
type ActionState string

const (
	ActionProposed  ActionState = "proposed"
	ActionApplied   ActionState = "applied"
	ActionSucceeded ActionState = "succeeded"
	ActionFailed    ActionState = "failed"
)

// CorrectiveAction is a parameter delta proposed to the order manager to
// recover correlation, with an expected improvement and a deadline by which
// it must show.
type CorrectiveAction struct {
	ID                  string      `json:"id"`
	TS                  time.Time   `json:"ts"`
	Parameter           string      `json:"parameter"`
	Delta               float64     `json:"delta"`
	Advisor             string      `json:"advisor,omitempty"`
	ExpectedImprovement float64     `json:"expected_improvement"`
	Deadline            time.Time   `json:"deadline"`
	BaselineCorrelation float64     `json:"baseline_correlation"`
	State               ActionState `json:"state"`
}

// Override is an audited manual compliance override.
type Override struct {
	Caller    string    `json:"caller"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Event is any compliance monitor event.
type Event interface{ complianceEvent() }

// MeasurementEvent announces a fresh measurement.
type MeasurementEvent struct{ Measurement Measurement }

// ViolationEvent fires when the status is Warning or worse.
type ViolationEvent struct {
	Measurement Measurement
	Severity    int // escalation steps above the base severity
}

// CorrectiveActionProposed asks the order manager to adjust a parameter.
type CorrectiveActionProposed struct{ Action CorrectiveAction }

// CorrectiveActionResolved records success or failure after the deadline.
type CorrectiveActionResolved struct{ Action CorrectiveAction }

// EmergencyBreach requests a supervisor escalation and an order pause.
type EmergencyBreach struct{ Measurement Measurement }

func (MeasurementEvent) complianceEvent()         {}
func (ViolationEvent) complianceEvent()           {}
func (CorrectiveActionProposed) complianceEvent() {}
func (CorrectiveActionResolved) complianceEvent() {}
func (EmergencyBreach) complianceEvent()          {}
