package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	swaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ttstudio",
			Name:      "agent_swaps_total",
			Help:      "Times the agent switched to a different LLM.",
		},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ttstudio",
			Name:      "agent_probes_total",
			Help:      "Health probes by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(swaps, probes)
}
