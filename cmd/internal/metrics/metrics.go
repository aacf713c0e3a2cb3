// Package metrics exposes relay counters in Prometheus format.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics owns a private registry and the relay counters.
type Metrics struct {
	reg *prometheus.Registry

	uploads       *prometheus.CounterVec
	redemptions   *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	sweepRemoved  prometheus.Counter
	sweepFailures prometheus.Counter
}

// New registers the relay counters plus Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by outcome and rejection code.",
		}, []string{"outcome", "code"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Invite redemption attempts by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter, by route.",
		}, []string{"route"}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_sweep_removed_total",
			Help:      "Expired nonces removed by cleanup.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_sweep_failures_total",
			Help:      "Nonce cleanup runs that failed.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.uploads,
		m.redemptions,
		m.rateLimited,
		m.sweepRemoved,
		m.sweepFailures,
	)
	return m
}

// ObserveUpload counts one upload attempt.
func (m *Metrics) ObserveUpload(outcome, code string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome, code).Inc()
}

// ObserveRedemption counts one redemption attempt.
func (m *Metrics) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited counts one refused request.
func (m *Metrics) ObserveRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

// ObserveNonceSweep records a cleanup run.
func (m *Metrics) ObserveNonceSweep(removed int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepFailures.Inc()
		return
	}
	if removed > 0 {
		m.sweepRemoved.Add(float64(removed))
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
