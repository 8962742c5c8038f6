package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters to Prometheus. One instance per process.
type Metrics struct {
	Invocations *prometheus.CounterVec
	RuleMatches *prometheus.CounterVec
	Blocked     *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
}

// NewMetrics registers engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rules",
			Name:      "invocations_total",
			Help:      "Entry-point invocations by entry point and outcome.",
		}, []string{"entry_point", "outcome"}),
		RuleMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rules",
			Name:      "rule_matches_total",
			Help:      "Rules whose condition matched, by rule code.",
		}, []string{"rule_code"}),
		Blocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rules",
			Name:      "blocked_total",
			Help:      "Invocations blocked pending acknowledgment.",
		}, []string{"entry_point"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rules",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of one entry-point invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entry_point"}),
	}
}
