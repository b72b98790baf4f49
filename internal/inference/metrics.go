package inference

import "github.com/prometheus/client_golang/prometheus"

var (
	chatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ttstudio",
			Name:      "inference_requests_total",
			Help:      "Chat streams by target kind and result.",
		},
		[]string{"target", "result"},
	)
	taskRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ttstudio",
			Name:      "inference_tasks_total",
			Help:      "Non-chat inference calls by operation and result.",
		},
		[]string{"op", "result"},
	)
	ttftSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ttstudio",
			Name:      "inference_ttft_seconds",
			Help:      "Time to first token.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	tpotSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ttstudio",
			Name:      "inference_tpot_seconds",
			Help:      "Mean time per output token of a stream.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)
	tokensDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ttstudio",
			Name:      "inference_tokens_decoded_total",
			Help:      "Completion tokens streamed to clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(chatRequests, taskRequests, ttftSeconds, tpotSeconds, tokensDecoded)
}

func observeStats(s Stats) {
	if s.TokensDecoded == 0 {
		return
	}
	ttftSeconds.Observe(s.TTFT)
	if s.TokensDecoded > 1 {
		tpotSeconds.Observe(s.TPOT)
	}
	tokensDecoded.Add(float64(s.TokensDecoded))
}

func countTask(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	taskRequests.WithLabelValues(op, result).Inc()
}
