// Package metrics exposes the Prometheus counters and gauges of avswitch.
//
// Every method is safe on a nil *Metrics so components can be built without
// a registry (tests, check-config).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process registry and its collectors.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal     *prometheus.CounterVec
	casesActive          prometheus.Gauge
	portsAllocatedTotal  prometheus.Counter
	portsRevokedTotal    prometheus.Counter
	compositeMode        prometheus.Gauge
	transitionsTotal     prometheus.Counter
	retriesTotal         prometheus.Counter
	workerErrorsTotal    *prometheus.CounterVec
	fillBuffersTotal     prometheus.Counter
	notificationsTotal   *prometheus.CounterVec
	controlCommandsTotal *prometheus.CounterVec
	httpRequestsTotal    prometheus.Counter
	httpErrorsTotal      prometheus.Counter
}

// New creates and registers the avswitch metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avswitch_connections_total",
			Help: "Total number of accepted stream connections by kind",
		}, []string{"kind"}),
		casesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avswitch_cases_active",
			Help: "Number of live stream cases",
		}),
		portsAllocatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avswitch_ports_allocated_total",
			Help: "Total number of sink ports allocated",
		}),
		portsRevokedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avswitch_ports_revoked_total",
			Help: "Total number of sink ports revoked",
		}),
		compositeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avswitch_composite_mode",
			Help: "Current composite layout mode",
		}),
		transitionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avswitch_composite_transitions_total",
			Help: "Total number of accepted composite mode transitions",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avswitch_composite_retries_total",
			Help: "Total number of composite rebuild retries",
		}),
		workerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avswitch_worker_errors_total",
			Help: "Total number of graph errors by category",
		}, []string{"category"}),
		fillBuffersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avswitch_tcpmix_fill_buffers_total",
			Help: "Total number of gap-fill buffers emitted while no client was bound",
		}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avswitch_notifications_total",
			Help: "Total number of controller notifications by name",
		}, []string{"name"}),
		controlCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avswitch_control_commands_total",
			Help: "Total number of control commands by command and status",
		}, []string{"command", "status"}),
		httpRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avswitch_http_requests_total",
			Help: "Total number of status HTTP requests",
		}),
		httpErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avswitch_http_errors_total",
			Help: "Total number of status HTTP requests that returned status >= 400",
		}),
	}

	registry.MustRegister(
		m.connectionsTotal,
		m.casesActive,
		m.portsAllocatedTotal,
		m.portsRevokedTotal,
		m.compositeMode,
		m.transitionsTotal,
		m.retriesTotal,
		m.workerErrorsTotal,
		m.fillBuffersTotal,
		m.notificationsTotal,
		m.controlCommandsTotal,
		m.httpRequestsTotal,
		m.httpErrorsTotal,
	)

	return m
}

// IncConnections counts one accepted connection of the given kind.
func (m *Metrics) IncConnections(kind string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(kind).Inc()
}

// SetCasesActive sets the live case gauge.
func (m *Metrics) SetCasesActive(n int) {
	if m == nil {
		return
	}
	m.casesActive.Set(float64(n))
}

func (m *Metrics) IncPortsAllocated() {
	if m == nil {
		return
	}
	m.portsAllocatedTotal.Inc()
}

func (m *Metrics) IncPortsRevoked() {
	if m == nil {
		return
	}
	m.portsRevokedTotal.Inc()
}

// SetCompositeMode records the current composite mode.
func (m *Metrics) SetCompositeMode(mode int) {
	if m == nil {
		return
	}
	m.compositeMode.Set(float64(mode))
}

func (m *Metrics) IncTransitions() {
	if m == nil {
		return
	}
	m.transitionsTotal.Inc()
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

// IncWorkerErrors counts one graph error of the given category.
func (m *Metrics) IncWorkerErrors(category string) {
	if m == nil {
		return
	}
	m.workerErrorsTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) IncFillBuffers() {
	if m == nil {
		return
	}
	m.fillBuffersTotal.Inc()
}

// IncNotifications counts one notification sent to controllers.
func (m *Metrics) IncNotifications(name string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(name).Inc()
}

// IncControlCommands counts one handled control command.
func (m *Metrics) IncControlCommands(command, status string) {
	if m == nil {
		return
	}
	m.controlCommandsTotal.WithLabelValues(command, status).Inc()
}

func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.httpRequestsTotal.Inc()
}

func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.httpErrorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
