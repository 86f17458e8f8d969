package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	providerSearchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecost_provider_search_total",
			Help: "Total number of provider searches by outcome.",
		},
		[]string{"outcome"},
	)
	providerSearchResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carecost_provider_search_results",
			Help:    "Number of providers matched before truncation.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		},
	)
	assistantOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecost_assistant_outcomes_total",
			Help: "Total number of assistant questions by outcome.",
		},
		[]string{"outcome"},
	)
	sqlRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecost_sql_rejections_total",
			Help: "Total number of generated SQL statements rejected by the validator.",
		},
		[]string{"reason"},
	)
	queryErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecost_query_errors_total",
			Help: "Total number of assistant query execution failures by category.",
		},
		[]string{"category"},
	)
	modelLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carecost_model_latency_ms",
			Help:    "Language model round-trip latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000},
		},
	)
	queryLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carecost_query_latency_ms",
			Help:    "Assistant query execution latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
		},
	)
)

func init() {
	prometheus.MustRegister(
		providerSearchTotal,
		providerSearchResults,
		assistantOutcomesTotal,
		sqlRejectionsTotal,
		queryErrorsTotal,
		modelLatencyMs,
		queryLatencyMs,
	)
}

func ObserveProviderSearch(outcome string, matched int) {
	providerSearchTotal.WithLabelValues(outcome).Inc()
	if matched >= 0 {
		providerSearchResults.Observe(float64(matched))
	}
}

func ObserveAssistantOutcome(outcome string) {
	assistantOutcomesTotal.WithLabelValues(outcome).Inc()
}

func IncrementSQLRejection(reason string) {
	sqlRejectionsTotal.WithLabelValues(reason).Inc()
}

func IncrementQueryError(category string) {
	queryErrorsTotal.WithLabelValues(category).Inc()
}

func ObserveModelLatency(elapsed time.Duration) {
	modelLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveQueryLatency(elapsed time.Duration) {
	queryLatencyMs.Observe(float64(elapsed.Milliseconds()))
}
