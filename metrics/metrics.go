// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every paygate metric.
type Collector struct {
	accessDecisions *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	signups         *prometheus.CounterVec
	payments        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpInFlight    prometheus.Gauge
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_access_decisions_total",
			Help: "Access decisions by outcome.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_settlements_total",
			Help: "Payment proof settlement attempts by status.",
		}, []string{"status"}),
		signups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_authentications_total",
			Help: "Credential authentications, split by new and returning users.",
		}, []string{"kind"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_payments_total",
			Help: "Payments made on behalf of users by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paygate_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		c.accessDecisions,
		c.settlements,
		c.signups,
		c.payments,
		c.httpRequests,
		c.httpDuration,
		c.httpInFlight,
	)
	return c
}

// ObserveDecision counts an access decision.
func (c *Collector) ObserveDecision(outcome string) {
	c.accessDecisions.WithLabelValues(outcome).Inc()
}

// ObserveSettlement counts a settlement attempt.
func (c *Collector) ObserveSettlement(status string) {
	c.settlements.WithLabelValues(status).Inc()
}

func (c *Collector) RecordAuthentication(isNew bool) {
	kind := "login"
	if isNew {
		kind = "signup"
	}
	c.signups.WithLabelValues(kind).Inc()
}

// RecordPayment counts a custodial payment by result, e.g. "ok" or an
// on-chain failure kind.
func (c *Collector) RecordPayment(result string) {
	c.payments.WithLabelValues(result).Inc()
}

func (c *Collector) RequestStarted() {
	c.httpInFlight.Inc()
}

// RequestFinished records a served request. route is the matched route
// pattern, not the raw path.
func (c *Collector) RequestFinished(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	c.httpInFlight.Dec()
	c.httpRequests.WithLabelValues(method, route, code).Inc()
	c.httpDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
