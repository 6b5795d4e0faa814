package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmgated",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Total generation turns by outcome",
		},
		[]string{"outcome"},
	)

	contextReuseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llmgated",
			Subsystem: "engine",
			Name:      "context_reuse_total",
			Help:      "Turns served on the already-bound engine context",
		},
	)

	contextRebuildTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llmgated",
			Subsystem: "engine",
			Name:      "context_rebuild_total",
			Help:      "Turns that required rebuilding the engine context",
		},
	)

	modelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmgated",
			Subsystem: "engine",
			Name:      "model_loads_total",
			Help:      "Model load attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, contextReuseTotal, contextRebuildTotal, modelLoadsTotal)
}
