// Package metrics provides Prometheus metrics for the dosing services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DosesExecuted       *prometheus.CounterVec
	DosesReverted       prometheus.Counter
	StockFailures       *prometheus.CounterVec
	InstructionsServed  prometheus.Counter
	HTTPDuration        *prometheus.HistogramVec
	OutboxPublished     *prometheus.CounterVec
	OutboxFailed        *prometheus.CounterVec
	OutboxDeadLettered  prometheus.Counter
	OutboxPending       prometheus.Gauge
	EventsConsumed      prometheus.Counter
	ConsumerLag         *prometheus.GaugeVec
	AlertsRaised        *prometheus.CounterVec
	AlertsFailed        prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses a
// fresh registry so tests and multiple instances do not collide.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		DosesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_executed_total",
			Help: "Dose executions by outcome (executed, already_executed)",
		}, []string{"outcome"}),
		DosesReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_reverted_total",
			Help: "Dose executions undone",
		}),
		StockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_stock_failures_total",
			Help: "Executions rejected for stock reasons",
		}, []string{"reason"}),
		InstructionsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instructions_served_total",
			Help: "Instruction lines returned to callers",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published",
		}, []string{"event_type"}),
		OutboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed outbox publish attempts",
		}, []string{"event_type"}),
		OutboxDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Outbox entries moved to the dead-letter topic",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Unconsumed messages per topic for the consumer group",
		}, []string{"topic"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_alerts_raised_total",
			Help: "Stock alerts delivered",
		}, []string{"reason"}),
		AlertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_alerts_failed_total",
			Help: "Stock alert deliveries that failed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.DosesExecuted,
		m.DosesReverted,
		m.StockFailures,
		m.InstructionsServed,
		m.HTTPDuration,
		m.OutboxPublished,
		m.OutboxFailed,
		m.OutboxDeadLettered,
		m.OutboxPending,
		m.EventsConsumed,
		m.ConsumerLag,
		m.AlertsRaised,
		m.AlertsFailed,
		m.CircuitBreakerState,
	)
	return m
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// EntryPublished counts a published outbox entry
func (m *Metrics) EntryPublished(eventType string) {
	m.OutboxPublished.WithLabelValues(eventType).Inc()
}

// EntryFailed counts a failed outbox publish attempt
func (m *Metrics) EntryFailed(eventType string) {
	m.OutboxFailed.WithLabelValues(eventType).Inc()
}

// EntriesDeadLettered counts entries moved to the dead-letter topic
func (m *Metrics) EntriesDeadLettered(n int) {
	m.OutboxDeadLettered.Add(float64(n))
}

// AlertRaised counts a delivered stock alert
func (m *Metrics) AlertRaised(reason string) { m.AlertsRaised.WithLabelValues(reason).Inc() }

// AlertFailed counts a failed stock alert delivery
func (m *Metrics) AlertFailed() { m.AlertsFailed.Inc() }

// DoseExecuted counts a successful mark, including idempotent repeats
func (m *Metrics) DoseExecuted(already bool) {
	outcome := "executed"
	if already {
		outcome = "already_executed"
	}
	m.DosesExecuted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DoseReverted() { m.DosesReverted.Inc() }

// BreakerState records a circuit breaker state (closed, open, half-open)
func (m *Metrics) BreakerState(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) StockFailure(reason string) { m.StockFailures.WithLabelValues(reason).Inc() }

func (m *Metrics) Instructions(n int) { m.InstructionsServed.Add(float64(n)) }

// ObserveHTTP records one request's latency
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
