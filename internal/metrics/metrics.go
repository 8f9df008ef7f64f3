// Package metrics provides Prometheus metrics for trigger handling and order tracking.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Trigger metrics
	TriggersHandled *prometheus.CounterVec

	// Order metrics
	OrdersSubmitted *prometheus.CounterVec
	OrdersFilled    *prometheus.CounterVec
	OrdersCancelled prometheus.Counter
	OrdersUnfilled  *prometheus.CounterVec
	ActiveMonitors  prometheus.Gauge
	FillLatency     *prometheus.HistogramVec

	// Gateway metrics
	PollErrors    prometheus.Counter
	GatewayErrors *prometheus.CounterVec

	// Store metrics
	TrackedPositions prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "alert_trader"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TriggersHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "handled_total",
			Help:      "Triggers handled by outcome status",
		}, []string{"status"}),

		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "submitted_total",
			Help:      "Orders placed with the broker by side and category",
		}, []string{"side", "category"}),
		OrdersFilled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "filled_total",
			Help:      "Orders observed filled by side",
		}, []string{"side"}),
		OrdersCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "cancelled_total",
			Help:      "Unfilled BUY orders cancelled after the poll budget",
		}),
		OrdersUnfilled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "unfilled_total",
			Help:      "Orders whose monitor ended without a fill, by side",
		}, []string{"side"}),
		ActiveMonitors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "active_monitors",
			Help:      "Fill monitors currently polling",
		}),
		FillLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "fill_latency_seconds",
			Help:      "Time from placement to observed fill",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"side"}),

		PollErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "poll_errors_total",
			Help:      "Order history queries that failed during fill monitoring",
		}),
		GatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Gateway failures by operation",
		}, []string{"op"}),

		TrackedPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "tracked_positions",
			Help:      "Ticker ids currently held in the position store",
		}),
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler serving this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTrigger counts one handled trigger.
func (m *Metrics) RecordTrigger(status string) {
	if m == nil {
		return
	}
	m.TriggersHandled.WithLabelValues(status).Inc()
}

// RecordSubmitted counts one placed order.
func (m *Metrics) RecordSubmitted(side, category string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(side, category).Inc()
}

// RecordFill counts a fill and observes its latency.
func (m *Metrics) RecordFill(side string, latency time.Duration) {
	if m == nil {
		return
	}
	m.OrdersFilled.WithLabelValues(side).Inc()
	m.FillLatency.WithLabelValues(side).Observe(latency.Seconds())
}

// RecordCancelled counts a confirmed cancellation.
func (m *Metrics) RecordCancelled() {
	if m == nil {
		return
	}
	m.OrdersCancelled.Inc()
}

// RecordUnfilled counts a monitor that ended without a fill.
func (m *Metrics) RecordUnfilled(side string) {
	if m == nil {
		return
	}
	m.OrdersUnfilled.WithLabelValues(side).Inc()
}

// MonitorStarted and MonitorStopped track polling monitors.
func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.ActiveMonitors.Inc()
}

func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.ActiveMonitors.Dec()
}

// RecordPollError counts a failed history query.
func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.PollErrors.Inc()
}

// RecordGatewayError counts a failed gateway operation.
func (m *Metrics) RecordGatewayError(op string) {
	if m == nil {
		return
	}
	m.GatewayErrors.WithLabelValues(op).Inc()
}

// SetTrackedPositions updates the store size gauge.
func (m *Metrics) SetTrackedPositions(n int) {
	if m == nil {
		return
	}
	m.TrackedPositions.Set(float64(n))
}
