package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	directivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attache_directives_total",
			Help: "Directives processed, by originating role and outcome.",
		},
		[]string{"role", "outcome"},
	)

	directiveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attache_directive_duration_seconds",
			Help:    "End-to-end directive handling duration, including the agent loop.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attache_dispatches_total",
			Help: "Outbound callback deliveries, by outcome.",
		},
		[]string{"outcome"},
	)
)
