package boardinfo

import "github.com/prometheus/client_golang/prometheus"

var boardResets = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttstudio",
		Name:      "board_resets_total",
		Help:      "Board resets by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(boardResets)
}
