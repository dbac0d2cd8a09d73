package antifraud

import "github.com/prometheus/client_golang/prometheus"

var (
	velocityBlockTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Subsystem: "antifraud",
		Name:      "velocity_block_total",
		Help:      "Velocity limit hits by scope and operation (notify-only caps included).",
	}, []string{"scope", "operation"})

	checkTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Subsystem: "antifraud",
		Name:      "check_total",
		Help:      "Risk scoring runs by operation.",
	}, []string{"operation"})

	riskLevelTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Subsystem: "antifraud",
		Name:      "risk_level_total",
		Help:      "Risk scoring results by level.",
	}, []string{"level"})

	blockFactorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Subsystem: "antifraud",
		Name:      "block_factor_total",
		Help:      "Factor rule matches by factor.",
	}, []string{"factor"})

	blockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Subsystem: "antifraud",
		Name:      "blocked_total",
		Help:      "Risk blocks and limit notifications by level and reason.",
	}, []string{"level", "reason"})

	sinkErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Subsystem: "antifraud",
		Name:      "sink_errors_total",
		Help:      "Failed audit writes and alert deliveries by kind.",
	}, []string{"kind"})

	evaluationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "loyalty",
		Subsystem: "antifraud",
		Name:      "evaluation_duration_seconds",
		Help:      "Guard evaluation latency by outcome.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		velocityBlockTotal,
		checkTotal,
		riskLevelTotal,
		blockFactorTotal,
		blockedTotal,
		sinkErrorsTotal,
		evaluationDuration,
	)
}
