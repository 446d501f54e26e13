// Package metrics exposes the router's Prometheus surface: the events the
// Execution Driver and Rate-Limit Tracker emit as they route, prune, cool
// down, and fail over between candidates. It carries no budget, spend, or
// API-key metrics — those belong to a gateway deployment wrapping the
// router, not the router core itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelrouter"

// LatencyBuckets spans the range a client-side router call actually falls
// in, from sub-10ms local failures up to a full minute-long completion.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 30.0, 60.0,
}

// Metrics is the router's Prometheus surface. Registered against a caller's
// registry via NewWithRegisterer, or the global default via New.
type Metrics struct {
	RequestsRouted   *prometheus.CounterVec
	PreflightPrunes  *prometheus.CounterVec
	CooldownsEntered *prometheus.CounterVec
	Failovers        *prometheus.CounterVec
	Exhausted        *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
}

// New registers the router's metrics against the default Prometheus
// registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the router's metrics against reg, so callers
// embedding the router alongside their own metrics can use an isolated
// registry (e.g. in tests).
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_routed_total",
			Help:      "Chat-completion requests successfully routed to a provider.",
		}, []string{"provider", "model"}),

		PreflightPrunes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_prunes_total",
			Help:      "Candidates dropped by can-make-request before an upstream call was attempted.",
		}, []string{"provider", "model"}),

		CooldownsEntered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_entered_total",
			Help:      "Times a (provider, model) pair was placed into cooldown after a 429.",
		}, []string{"provider", "model"}),

		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Times the driver excluded a candidate and retried a different one.",
		}, []string{"provider", "model", "reason"}),

		Exhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exhausted_total",
			Help:      "Requests that ran out of candidates before completing.",
		}, []string{"model"}),

		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end latency of a successful upstream call, by provider and model.",
			Buckets:   LatencyBuckets,
		}, []string{"provider", "model"}),
	}
}

// RecordRouted records a successful dispatch and its latency.
func (m *Metrics) RecordRouted(provider, model string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.RequestsRouted.WithLabelValues(provider, model).Inc()
	m.RequestLatency.WithLabelValues(provider, model).Observe(latencySeconds)
}

// RecordPreflightPrune records a candidate dropped before dispatch.
func (m *Metrics) RecordPreflightPrune(provider, model string) {
	if m == nil {
		return
	}
	m.PreflightPrunes.WithLabelValues(provider, model).Inc()
}

// RecordCooldownEntered records a provider entering cooldown.
func (m *Metrics) RecordCooldownEntered(provider, model string) {
	if m == nil {
		return
	}
	m.CooldownsEntered.WithLabelValues(provider, model).Inc()
}

// RecordFailover records the driver moving on to a different candidate.
// reason is "rate-limited" or "provider-error".
func (m *Metrics) RecordFailover(provider, model, reason string) {
	if m == nil {
		return
	}
	m.Failovers.WithLabelValues(provider, model, reason).Inc()
}

// RecordExhausted records a request that ran out of candidates.
func (m *Metrics) RecordExhausted(model string) {
	if m == nil {
		return
	}
	m.Exhausted.WithLabelValues(model).Inc()
}
