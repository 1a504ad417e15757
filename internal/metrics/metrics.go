// Package metrics exposes registration counters over Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/otp-registrar/internal/domain"
)

const namespace = "registrar"

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	registrations *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	active        prometheus.Gauge
	otpWait       *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	extracted     prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration sessions that reached a terminal status.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Status events published, by status entered.",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Registration runs currently holding the device.",
		}),
		otpWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "otp_wait_seconds",
			Help:      "Time spent polling the SMS provider for a code.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300},
		}, []string{"outcome"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "UI step attempts retried after a step timeout.",
		}, []string{"step"}),
		extracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_extracted_total",
			Help:      "Inbox lines harvested after registration.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registrations,
		m.transitions,
		m.active,
		m.otpWait,
		m.stepRetries,
		m.extracted,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent is an events.Handler counting transitions and outcomes.
func (m *Metrics) ObserveEvent(ev domain.StatusEvent) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(ev.Status)).Inc()
	if ev.Status.IsTerminal() {
		m.registrations.WithLabelValues(string(ev.Status)).Inc()
	}
}

// ObserveOTP records one poller outcome.
func (m *Metrics) ObserveOTP(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.otpWait.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// StepRetried counts a retried UI step.
func (m *Metrics) StepRetried(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

// SetActive sets the number of live runs.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// MessagesExtracted adds n harvested lines.
func (m *Metrics) MessagesExtracted(n int) {
	if m == nil {
		return
	}
	m.extracted.Add(float64(n))
}
