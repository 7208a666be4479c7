// Package metrics exposes Prometheus instrumentation for the wallet core.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_wallet"

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	unlockAttempts     *prometheus.CounterVec
	moduleOperations   *prometheus.CounterVec
	signerResolutions  *prometheus.CounterVec
	clientInitFailures *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		unlockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_attempts_total",
			Help:      "Login and account creation attempts by result.",
		}, []string{"kind", "result"}),
		moduleOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_operations_total",
			Help:      "Module install, uninstall and refresh operations by result.",
		}, []string{"operation", "chain_id", "result"}),
		signerResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signer_resolutions_total",
			Help:      "Signer resolutions by signer kind and result.",
		}, []string{"kind", "result"}),
		clientInitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_init_failures_total",
			Help:      "Per-network account client construction failures.",
		}, []string{"chain_id"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of user operations from submission to receipt.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"operation"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.unlockAttempts,
		m.moduleOperations,
		m.signerResolutions,
		m.clientInitFailures,
		m.operationDuration,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Unlock records a login, create, import or password check ("verify") attempt.
func (m *Metrics) Unlock(kind string, ok bool) {
	if m == nil {
		return
	}
	m.unlockAttempts.WithLabelValues(kind, result(ok)).Inc()
}

// ModuleOperation records an install, uninstall or refresh.
func (m *Metrics) ModuleOperation(op string, chainID int64, ok bool) {
	if m == nil {
		return
	}
	m.moduleOperations.WithLabelValues(op, strconv.FormatInt(chainID, 10), result(ok)).Inc()
}

// SignerResolution records a resolver outcome.
func (m *Metrics) SignerResolution(kind string, ok bool) {
	if m == nil {
		return
	}
	m.signerResolutions.WithLabelValues(kind, result(ok)).Inc()
}

// ClientInitFailure records a network whose client could not be built.
func (m *Metrics) ClientInitFailure(chainID int64) {
	if m == nil {
		return
	}
	m.clientInitFailures.WithLabelValues(strconv.FormatInt(chainID, 10)).Inc()
}

// ObserveOperation records how long a user operation took.
func (m *Metrics) ObserveOperation(op string, started time.Time) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
