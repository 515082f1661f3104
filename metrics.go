package interceptor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "interceptor"

// Metrics holds the proxy's Prometheus collectors on a private registry.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestsFiltered  prometheus.Counter
	ruleActions       *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConns       prometheus.Gauge
	transactionsCount prometheus.Gauge
	upstreamErrors    *prometheus.CounterVec
	rateLimited       prometheus.Counter
	filterCount       prometheus.Gauge
	ruleCount         prometheus.Gauge
	filterReloads     prometheus.Counter
	filterReloadErrs  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of intercepted requests.",
		}, []string{"method", "scheme"}),

		requestsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_filtered_total",
			Help:      "Requests tagged by the denylist.",
		}),

		ruleActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rule_actions_total",
			Help:      "Rule actions applied, by action type.",
		}, []string{"action"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from capture to response ready.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Requests currently being handled.",
		}),

		transactionsCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_stored",
			Help:      "Transactions held in memory.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Forwarding failures, by destination host.",
		}, []string{"host"}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),

		filterCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "filter_count",
			Help:      "Denylist entries currently loaded.",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rule_count",
			Help:      "Rules currently loaded.",
		}),

		filterReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filter_reloads_total",
			Help:      "Successful denylist reloads.",
		}),

		filterReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filter_reload_errors_total",
			Help:      "Failed denylist reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsFiltered,
		m.ruleActions,
		m.requestDuration,
		m.activeConns,
		m.transactionsCount,
		m.upstreamErrors,
		m.rateLimited,
		m.filterCount,
		m.ruleCount,
		m.filterReloads,
		m.filterReloadErrs,
	)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts an intercepted request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordFiltered counts a request tagged by the denylist.
func (m *Metrics) RecordFiltered() {
	m.requestsFiltered.Inc()
}

// RecordRuleAction counts an applied rule action.
func (m *Metrics) RecordRuleAction(action ActionType) {
	m.ruleActions.WithLabelValues(string(action)).Inc()
}

// RecordRequestDuration records how long a request took.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the in-flight gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the in-flight gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetTransactionCount sets the stored-transactions gauge.
func (m *Metrics) SetTransactionCount(n int) {
	m.transactionsCount.Set(float64(n))
}

// RecordUpstreamError counts a forwarding failure.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordRateLimited counts a throttled request.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// SetFilterCount sets the denylist size gauge.
func (m *Metrics) SetFilterCount(n int) {
	m.filterCount.Set(float64(n))
}

// SetRuleCount sets the rule count gauge.
func (m *Metrics) SetRuleCount(n int) {
	m.ruleCount.Set(float64(n))
}

// RecordFilterReload counts a successful denylist reload.
func (m *Metrics) RecordFilterReload() {
	m.filterReloads.Inc()
}

// RecordFilterReloadError counts a failed denylist reload.
func (m *Metrics) RecordFilterReloadError() {
	m.filterReloadErrs.Inc()
}
