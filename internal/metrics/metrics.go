// Package metrics registers the Prometheus instruments for the shield.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the shield proxy.
type Metrics struct {
	// Decision outcomes by kind (allowed, bad_request, entropy_weird, ...)
	Decisions *prometheus.CounterVec

	// Entropy score distribution of inspected prompts
	EntropyScore prometheus.Histogram

	// Tokens saved by compression per allowed request
	TokensSaved prometheus.Histogram

	// Upstream token usage recorded against callers
	UpstreamTokens prometheus.Counter

	// Downstream call durations by target (sieve, judge, upstream)
	DownstreamDuration *prometheus.HistogramVec

	// Callers currently hitting the penalty box when their request arrived
	PenaltyApplied prometheus.Counter
}

// New creates and registers all shield metrics with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics with a specific registerer. Tests pass a
// throwaway registry so repeated construction never collides.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_decisions_total",
				Help: "Pipeline decisions by outcome kind",
			},
			[]string{"kind"},
		),

		EntropyScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shield_entropy_score",
				Help:    "Shannon entropy of inspected user prompts",
				Buckets: []float64{1, 2, 3, 3.5, 4, 4.5, 5, 5.5, 6, 6.5, 7, 8},
			},
		),

		TokensSaved: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shield_tokens_saved",
				Help:    "Tokens removed from forwarded prompts by the sieve",
				Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2500, 5000},
			},
		),

		UpstreamTokens: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shield_upstream_tokens_total",
				Help: "Total upstream tokens consumed by forwarded requests",
			},
		),

		DownstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shield_downstream_duration_seconds",
				Help:    "Latency of sieve, judge and upstream calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),

		PenaltyApplied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shield_penalty_applied_total",
				Help: "Requests served under penalty-box compression",
			},
		),
	}
}

// ObserveDecision records the outcome of one pipeline run.
func (m *Metrics) ObserveDecision(kind string, entropy float64, tokensSaved int, penalised bool) {
	m.Decisions.WithLabelValues(kind).Inc()
	if entropy > 0 {
		m.EntropyScore.Observe(entropy)
	}
	if tokensSaved > 0 {
		m.TokensSaved.Observe(float64(tokensSaved))
	}
	if penalised {
		m.PenaltyApplied.Inc()
	}
}
