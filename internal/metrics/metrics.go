// Package metrics exposes Prometheus collectors for the credit service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credits"

// Collector owns one registry so tests can build independent instances.
// A nil *Collector is a valid no-op.
type Collector struct {
	registry *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	requestsInFlight  prometheus.Gauge
	rateLimitHits     *prometheus.CounterVec
	tokens            *prometheus.CounterVec
	providerRequests  *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	chatOutcomes      *prometheus.CounterVec
	creditsDeducted   *prometheus.CounterVec
	creditsCredited   *prometheus.CounterVec
	webhookEvents     *prometheus.CounterVec
	ledgerApplyErrors *prometheus.CounterVec
}

// NewCollector registers every metric on a fresh registry together with the
// Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		requestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		rateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the completion provider.",
		}, []string{"model", "direction"}),
		providerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Completion provider calls by model and result.",
		}, []string{"model", "result"}),
		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Completion provider latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		chatOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Metered chat requests by final state.",
		}, []string{"state", "outcome"}),
		creditsDeducted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deducted_total",
			Help:      "Credits deducted for usage.",
		}, []string{"model"}),
		creditsCredited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credited_total",
			Help:      "Credits added by purchases and refunds.",
		}, []string{"kind"}),
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		ledgerApplyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_apply_errors_total",
			Help:      "Rejected or failed ledger writes by reason.",
		}, []string{"reason"}),
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (c *Collector) RecordRequestStart() {
	if c != nil {
		c.requestsInFlight.Inc()
	}
}

func (c *Collector) RecordRequestEnd() {
	if c != nil {
		c.requestsInFlight.Dec()
	}
}

func (c *Collector) RecordRateLimitHit(route string) {
	if c != nil {
		c.rateLimitHits.WithLabelValues(route).Inc()
	}
}

func (c *Collector) RecordTokenUsage(model string, inputTokens, outputTokens int) {
	if c == nil {
		return
	}
	c.tokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	c.tokens.WithLabelValues(model, "output").Add(float64(outputTokens))
}

func (c *Collector) RecordProviderRequest(model string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.providerRequests.WithLabelValues(model, result).Inc()
	c.providerLatency.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordChat counts a finished chat flow by the state it ended in.
func (c *Collector) RecordChat(state, outcome string) {
	if c != nil {
		c.chatOutcomes.WithLabelValues(state, outcome).Inc()
	}
}

func (c *Collector) RecordDeduction(model string, amount float64) {
	if c != nil {
		c.creditsDeducted.WithLabelValues(model).Add(amount)
	}
}

func (c *Collector) RecordCredit(kind string, amount float64) {
	if c != nil {
		c.creditsCredited.WithLabelValues(kind).Add(amount)
	}
}

func (c *Collector) RecordWebhook(eventType, outcome string) {
	if c != nil {
		c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

func (c *Collector) RecordLedgerError(reason string) {
	if c != nil {
		c.ledgerApplyErrors.WithLabelValues(reason).Inc()
	}
}
