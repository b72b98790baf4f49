package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	deployTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ttstudio",
			Name:      "deploy_total",
			Help:      "Deployments by result.",
		},
		[]string{"result"},
	)
	deployRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ttstudio",
			Name:      "deploy_retries_total",
			Help:      "Deployments re-invoked with relaxed validation.",
		},
	)
	containerDeaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ttstudio",
			Name:      "container_deaths_total",
			Help:      "Model containers that stopped without a user request.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(deployTotal, deployRetries, containerDeaths)
}
