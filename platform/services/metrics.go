package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	predictionLatency = promauto.NewSummary(prometheus.SummaryOpts{Name: "iris_prediction_seconds", Help: "Prediction request latency"})

	predictionMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "iris_predictions_total", Help: "Prediction requests by channel and outcome"},
		[]string{"usage_type", "status"},
	)

	confirmationMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "iris_confirmations_total", Help: "Prediction confirmations"})
	correctionMetric   = promauto.NewCounter(prometheus.CounterOpts{Name: "iris_corrections_total", Help: "Edits of confirmed predictions"})
	deletionMetric     = promauto.NewCounter(prometheus.CounterOpts{Name: "iris_result_deletions_total", Help: "Soft deletes of prediction results"})

	matchTransitionMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "iris_match_transitions_total", Help: "Match workflow transitions"},
		[]string{"transition"},
	)
)
