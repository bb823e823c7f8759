// Package metrics exposes gateway counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the pipeline, the forwarder and
// the audit logger.
type Recorder interface {
	RecordRequest(method string, statusCode int, duration time.Duration)
	RecordQuotaDecision(allowed bool)
	RecordAuditFailure(reason string)
	RecordProxyError(kind string)
	SetAuthMode(mode string)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	quotaDecisions  *prometheus.CounterVec
	auditFailures   *prometheus.CounterVec
	proxyErrors     *prometheus.CounterVec
	authMode        *prometheus.GaugeVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests that reached the logging point, by method and status code.",
		}, []string{"method", "status_code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Time from request entry to response headers.",
			Buckets: prometheus.DefBuckets,
		}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_quota_decisions_total",
			Help: "Quota checks by outcome.",
		}, []string{"decision"}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_audit_failures_total",
			Help: "Audit records that could not be persisted.",
		}, []string{"reason"}),
		proxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_errors_total",
			Help: "Backend relay failures by kind.",
		}, []string{"kind"}),
		authMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_auth_mode",
			Help: "1 for the active authentication mode.",
		}, []string{"mode"}),
	}

	reg.MustRegister(
		c.requests,
		c.requestDuration,
		c.quotaDecisions,
		c.auditFailures,
		c.proxyErrors,
		c.authMode,
	)

	return c
}

func (c *Collector) RecordRequest(method string, statusCode int, duration time.Duration) {
	c.requests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordQuotaDecision(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.quotaDecisions.WithLabelValues(decision).Inc()
}

func (c *Collector) RecordAuditFailure(reason string) {
	c.auditFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordProxyError(kind string) {
	c.proxyErrors.WithLabelValues(kind).Inc()
}

// SetAuthMode marks mode as active and clears the other known modes.
func (c *Collector) SetAuthMode(mode string) {
	c.authMode.Reset()
	c.authMode.WithLabelValues(mode).Set(1)
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRequest(string, int, time.Duration) {}
func (Nop) RecordQuotaDecision(bool)                 {}
func (Nop) RecordAuditFailure(string)                {}
func (Nop) RecordProxyError(string)                  {}
func (Nop) SetAuthMode(string)                       {}
