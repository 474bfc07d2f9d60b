// Package telemetry holds the Prometheus metrics shared by the control-plane
// components. One registry is created at application start and handed to each
// component; /metrics on the control surface exposes it.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics bundles every control-plane metric.
type Metrics struct {
	registry *prometheus.Registry

	// Market data
	TicksReceived  *prometheus.CounterVec
	TicksDropped   *prometheus.CounterVec
	ExchangeState  *prometheus.GaugeVec
	StreamLatency  *prometheus.HistogramVec
	MessageLoss    *prometheus.GaugeVec

	// Risk
	RiskLevel        prometheus.Gauge
	RiskRejections   *prometheus.CounterVec
	PortfolioValue   prometheus.Gauge
	OpenViolations   prometheus.Gauge

	// Compliance
	Correlation      prometheus.Gauge
	ComplianceStatus prometheus.Gauge

	// Orders
	OrdersSubmitted *prometheus.CounterVec
	OrdersDone      *prometheus.CounterVec
	OrderExecTime   prometheus.Histogram
	FillSlippageBps prometheus.Histogram

	// Supervisor
	AlertsRaised  *prometheus.CounterVec
	EmergencyStop prometheus.Gauge
}

// New creates the metrics registry with all tradepilot metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		TicksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepilot_ticks_received_total",
			Help: "Normalized ticks received per exchange",
		}, []string{"exchange"}),
		TicksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepilot_ticks_dropped_total",
			Help: "Ticks dropped on ring-buffer overflow per exchange",
		}, []string{"exchange"}),
		ExchangeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradepilot_exchange_state",
			Help: "Connection state per exchange (0=disconnected 1=connecting 2=connected 3=degraded)",
		}, []string{"exchange"}),
		StreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradepilot_stream_latency_ms",
			Help:    "Tick latency (local receive minus server timestamp) in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 2000},
		}, []string{"exchange"}),
		MessageLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradepilot_message_loss_rate",
			Help: "Rolling message-loss rate per exchange (0.0 to 1.0)",
		}, []string{"exchange"}),

		RiskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradepilot_risk_level",
			Help: "Current risk level (0=green 1=yellow 2=orange 3=red)",
		}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepilot_risk_rejections_total",
			Help: "Pre-trade rejections by rule",
		}, []string{"rule"}),
		PortfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradepilot_portfolio_value_usd",
			Help: "Current portfolio value in USD",
		}),
		OpenViolations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradepilot_open_violations",
			Help: "Currently open risk violations",
		}),

		Correlation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradepilot_trs_correlation",
			Help: "Latest measured prediction/outcome correlation",
		}),
		ComplianceStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradepilot_trs_status",
			Help: "Compliance status (0=compliant 1=warning 2=critical 3=emergency 4=unknown)",
		}),

		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepilot_orders_submitted_total",
			Help: "Orders submitted per exchange",
		}, []string{"exchange"}),
		OrdersDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepilot_orders_done_total",
			Help: "Terminal orders by final status",
		}, []string{"status"}),
		OrderExecTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradepilot_order_exec_seconds",
			Help:    "Submit-to-terminal execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		FillSlippageBps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradepilot_fill_slippage_bps",
			Help:    "Signed slippage per fill in basis points",
			Buckets: []float64{-50, -20, -10, -5, -1, 0, 1, 5, 10, 20, 50, 100},
		}),

		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradepilot_alerts_total",
			Help: "Alerts raised by severity",
		}, []string{"severity"}),
		EmergencyStop: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradepilot_emergency_stopped",
			Help: "1 while the emergency stop flag is set",
		}),
	}

	m.registry.MustRegister(
		m.TicksReceived, m.TicksDropped, m.ExchangeState, m.StreamLatency, m.MessageLoss,
		m.RiskLevel, m.RiskRejections, m.PortfolioValue, m.OpenViolations,
		m.Correlation, m.ComplianceStatus,
		m.OrdersSubmitted, m.OrdersDone, m.OrderExecTime, m.FillSlippageBps,
		m.AlertsRaised, m.EmergencyStop,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// GaugeValue gathers the current value of a single gauge by name. Used by the
// health endpoint to report a compact numeric snapshot.
func (m *Metrics) GaugeValue(name string) (float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return 0, fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_GAUGE {
			continue
		}
		for _, metric := range mf.GetMetric() {
			return metric.GetGauge().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("gauge %s not found", name)
}
