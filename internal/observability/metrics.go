package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	loginAttempts *prometheus.CounterVec
	rateDenied    *prometheus.CounterVec
	errorsByKind  *prometheus.CounterVec
	storeOps      *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session state transitions published, by resulting state.",
		}, []string{"state"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_login_attempts_total",
			Help: "Login and signup attempts, by result.",
		}, []string{"result"}),
		rateDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Requests denied by a rate limiter.",
		}, []string{"limiter"}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_captured_total",
			Help: "Errors captured by the classifier, by kind.",
		}, []string{"kind"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statestore_operations_total",
			Help: "State store operations, by operation.",
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by method and status.",
		}, []string{"method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		m.transitions,
		m.loginAttempts,
		m.rateDenied,
		m.errorsByKind,
		m.storeOps,
		m.httpRequests,
		m.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the gatherer for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) LoginAttempt(result string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateDenied.WithLabelValues(limiter).Inc()
}

func (m *Metrics) ErrorCaptured(kind string) {
	if m == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

func (m *Metrics) StoreOperation(op string) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op).Inc()
}

// RecordRequest counts one served request.
func (m *Metrics) RecordRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method).Observe(seconds)
}
