package metrics

import "github.com/prometheus/client_golang/prometheus"

// Ingestion and search metrics.
var (
	CardsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cardex",
			Name:      "cards_saved_total",
			Help:      "Cards committed to both indices",
		},
	)

	CardsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardex",
			Name:      "cards_rejected_total",
			Help:      "Cards dropped from a batch, by reason",
		},
		[]string{"reason"},
	)

	SagaRollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardex",
			Name:      "saga_rollbacks_total",
			Help:      "Compensations run, by the stage that failed",
		},
		[]string{"stage"},
	)

	RollbackFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardex",
			Name:      "rollback_failures_total",
			Help:      "Compensating deletes that failed, by target",
		},
		[]string{"target"}, // image, card, text_index, visual_index, serial
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardex",
			Name:      "search_duration_seconds",
			Help:      "Federated search duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"mode", "status"},
	)
)

var sagaMetricsRegistered bool

// RegisterSagaMetrics registers ingestion and search metrics. Must be called once from main.
func RegisterSagaMetrics() {
	if sagaMetricsRegistered {
		return
	}
	prometheus.MustRegister(CardsSavedTotal)
	prometheus.MustRegister(CardsRejectedTotal)
	prometheus.MustRegister(SagaRollbacksTotal)
	prometheus.MustRegister(RollbackFailuresTotal)
	prometheus.MustRegister(SearchDuration)
	sagaMetricsRegistered = true
}
