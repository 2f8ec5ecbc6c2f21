package devhost

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for devhost.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	sniMisses       prometheus.Counter
	routesRunning   prometheus.Gauge
	listenersOpen   prometheus.Gauge
	certsIssued     prometheus.Counter
	certErrors      prometheus.Counter
	hostsMutations  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devhost",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"domain", "code"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devhost",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"domain"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devhost",
			Name:      "upstream_errors_total",
			Help:      "Number of backend connection or stream errors.",
		}, []string{"domain"}),

		sniMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devhost",
			Name:      "sni_misses_total",
			Help:      "TLS handshakes rejected because no certificate matched the server name.",
		}),

		routesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devhost",
			Name:      "routes_running",
			Help:      "Number of running routes.",
		}),

		listenersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devhost",
			Name:      "listeners_open",
			Help:      "Number of bound HTTPS listeners.",
		}),

		certsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devhost",
			Name:      "certificates_issued_total",
			Help:      "Number of leaf certificates issued.",
		}),

		certErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devhost",
			Name:      "certificate_errors_total",
			Help:      "Number of failed certificate issuances.",
		}),

		hostsMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devhost",
			Name:      "hosts_mutations_total",
			Help:      "Number of hosts file rewrites by operation.",
		}, []string{"op"}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamErrors,
		m.sniMisses,
		m.routesRunning,
		m.listenersOpen,
		m.certsIssued,
		m.certErrors,
		m.hostsMutations,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a proxied request and its duration.
func (m *Metrics) RecordRequest(domain string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(domain, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// RecordUpstreamError records a backend failure for domain.
func (m *Metrics) RecordUpstreamError(domain string) {
	m.upstreamErrors.WithLabelValues(domain).Inc()
}

// RecordSNIMiss records a handshake for an unknown server name.
func (m *Metrics) RecordSNIMiss() {
	m.sniMisses.Inc()
}

// SetRoutesRunning sets the running route gauge.
func (m *Metrics) SetRoutesRunning(n int) {
	m.routesRunning.Set(float64(n))
}

// SetListenersOpen sets the bound listener gauge.
func (m *Metrics) SetListenersOpen(n int) {
	m.listenersOpen.Set(float64(n))
}

// RecordCertIssued records a successful issuance.
func (m *Metrics) RecordCertIssued() {
	m.certsIssued.Inc()
}

// RecordCertError records a failed issuance.
func (m *Metrics) RecordCertError() {
	m.certErrors.Inc()
}

// RecordHostsMutation records a hosts file rewrite.
func (m *Metrics) RecordHostsMutation(op string) {
	m.hostsMutations.WithLabelValues(op).Inc()
}
