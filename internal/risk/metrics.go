package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	signalsIngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "signals",
		Name:      "ingested_total",
		Help:      "Total risk signals ingested by scope and severity.",
	}, []string{"scope", "severity"})

	signalsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "signals",
		Name:      "rejected_total",
		Help:      "Total signals rejected by validation.",
	})

	thresholdCrossingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "engine",
		Name:      "threshold_crossings_total",
		Help:      "Merchant profiles transitioned NORMAL to RESTRICTED.",
	})

	partialCompletionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "engine",
		Name:      "partial_completions_total",
		Help:      "Ingests where the signal was logged but downstream effects failed.",
	})

	rulesFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "rules",
		Name:      "intents_total",
		Help:      "Enforcement intents emitted by rule evaluation.",
	}, []string{"rule"})

	rulesFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskd",
		Subsystem: "rules",
		Name:      "failures_total",
		Help:      "Rule evaluation failures.",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		signalsIngestedTotal,
		signalsRejectedTotal,
		thresholdCrossingsTotal,
		partialCompletionsTotal,
		rulesFiredTotal,
		rulesFailedTotal,
	)
}
