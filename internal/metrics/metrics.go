package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sbswitch/sbswitch/internal/models"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// ErrorCounter counts errors by type and endpoint
	ErrorCounter *prometheus.CounterVec
	// RateLimited counts requests rejected by the API rate limiter
	RateLimited prometheus.Counter
	// RefreshAttempts counts token refresh attempts by outcome
	RefreshAttempts *prometheus.CounterVec
	// Sweeps counts refresh sweeps by status
	Sweeps *prometheus.CounterVec
	// SweepDuration tracks how long a sweep takes
	SweepDuration prometheus.Histogram
	// SweepSessions tracks the per-result session counts of the last sweep
	SweepSessions *prometheus.GaugeVec
	// Switches counts session switches by status
	Switches *prometheus.CounterVec
	// Commands counts API commands by action and result
	Commands *prometheus.CounterVec

	// registry is the custom registry for this metrics instance
	registry  *prometheus.Registry
	namespace string
	watchOnce sync.Once
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry:  registry,
		namespace: namespace,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "endpoint", "method"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of requests rejected by the rate limiter",
			},
		),
		RefreshAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_attempts_total",
				Help:      "Total number of token refresh attempts",
			},
			[]string{"outcome"},
		),
		Sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Total number of refresh sweeps",
			},
			[]string{"status"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Refresh sweep duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		SweepSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sweep_sessions",
				Help:      "Sessions per result in the last sweep",
			},
			[]string{"result"},
		),
		Switches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "switches_total",
				Help:      "Total number of session switches",
			},
			[]string{"status"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of API commands by action and result",
			},
			[]string{"action", "result"},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.ErrorCounter,
		m.RateLimited,
		m.RefreshAttempts,
		m.Sweeps,
		m.SweepDuration,
		m.SweepSessions,
		m.Switches,
		m.Commands,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchSessions registers sessions_stored and sessions_expired gauges that
// call counts on every scrape. Only the first call has an effect.
func (m *Metrics) WatchSessions(counts func() (stored, expired int)) {
	m.watchOnce.Do(func() {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: m.namespace,
				Name:      "sessions_stored",
				Help:      "Number of stored sessions",
			}, func() float64 {
				stored, _ := counts()
				return float64(stored)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: m.namespace,
				Name:      "sessions_expired",
				Help:      "Number of stored sessions flagged expired",
			}, func() float64 {
				_, expired := counts()
				return float64(expired)
			}),
		)
	})
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, endpoint, method string) {
	m.ErrorCounter.WithLabelValues(errorType, endpoint, method).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordRateLimited counts a rejected request
func (m *Metrics) RecordRateLimited() {
	m.RateLimited.Inc()
}

// RecordRefreshAttempt counts one refresh attempt
func (m *Metrics) RecordRefreshAttempt(outcome string) {
	m.RefreshAttempts.WithLabelValues(outcome).Inc()
}

// RecordSweep records a finished sweep
func (m *Metrics) RecordSweep(summary models.Summary, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Sweeps.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(duration.Seconds())
	if err != nil {
		return
	}
	m.SweepSessions.WithLabelValues("refreshed").Set(float64(summary.Refreshed))
	m.SweepSessions.WithLabelValues("skipped").Set(float64(summary.Skipped))
	m.SweepSessions.WithLabelValues("expired").Set(float64(summary.Expired))
	m.SweepSessions.WithLabelValues("failed").Set(float64(summary.Failed))
	m.SweepSessions.WithLabelValues("unrefreshable").Set(float64(summary.Unrefreshable))
}

// RecordSwitch counts one switch
func (m *Metrics) RecordSwitch(status string) {
	m.Switches.WithLabelValues(status).Inc()
}

// RecordCommand counts one API command
func (m *Metrics) RecordCommand(action, result string) {
	m.Commands.WithLabelValues(action, result).Inc()
}
