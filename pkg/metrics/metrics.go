// Package metrics defines pingwall's Prometheus collectors and
// PrometheusSink, which implements the narrow sink interfaces declared by
// internal/gateway and internal/notify, following the teacher's pkg/metrics
// package-level-collector-plus-sync.Once-registration style.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "requests_total",
			Help:      "Total requests admitted to the handler, labeled by route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter, labeled by route, dimension, and verdict.",
		},
		[]string{"route", "dimension", "verdict"},
	)

	limiterActiveKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pingwall",
			Name:      "limiter_active_keys",
			Help:      "Current number of LimiterKeys tracked by the rate limiter.",
		},
	)

	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "upstream_errors_total",
			Help:      "Total reverse-proxy errors talking to upstreams, labeled by route.",
		},
		[]string{"route"},
	)

	webhookDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "webhook_dropped_total",
			Help:      "Total block notices dropped because the notifier queue was full.",
		},
	)

	webhookFailureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pingwall",
			Name:      "webhook_failure_total",
			Help:      "Total webhook dispatch attempts that failed or received a non-2xx response.",
		},
	)

	registerOnce sync.Once
)

// Register registers every pingwall collector exactly once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			requestsTotal,
			rateLimitedTotal,
			limiterActiveKeys,
			upstreamErrorsTotal,
			webhookDroppedTotal,
			webhookFailureTotal,
		)
	})
}

// PrometheusSink implements the gateway and notify metrics sink interfaces
// against the package-level collectors above; SetLimiterActiveKeys is
// called directly by cmd/pingwall with the limiter's entry count.
type PrometheusSink struct{}

func (PrometheusSink) IncRequest(route, outcome string) {
	requestsTotal.WithLabelValues(route, outcome).Inc()
}

func (PrometheusSink) IncRateLimited(route, dimension, verdict string) {
	rateLimitedTotal.WithLabelValues(route, dimension, verdict).Inc()
}

func (PrometheusSink) SetLimiterActiveKeys(n float64) {
	limiterActiveKeys.Set(n)
}

func (PrometheusSink) IncUpstreamError(route string) {
	upstreamErrorsTotal.WithLabelValues(route).Inc()
}

func (PrometheusSink) IncWebhookDropped() {
	webhookDroppedTotal.Inc()
}

func (PrometheusSink) IncWebhookFailure() {
	webhookFailureTotal.Inc()
}
