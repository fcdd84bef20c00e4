// Package metrics holds the process-wide Prometheus collectors.
//
// Everything registers with the default registry at init via promauto, so
// /metrics also carries the Go runtime and process collectors.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskledger"

// HTTP
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Ledger and scoring
var (
	// TransactionsTotal counts money movements by type and outcome
	// (applied, rejected, unknown).
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Money-movement operations by type and outcome.",
	}, []string{"type", "outcome"})

	RiskScoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "risk_scores_total",
		Help:      "Risk scores written, by verdict.",
	}, []string{"verdict"})

	// ScoringErrorsTotal is labelled by the stage that failed: fetch,
	// quarantined, extract, score, panic, write or publish.
	ScoringErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scoring_errors_total",
		Help:      "Per-transaction scoring failures by stage.",
	}, []string{"stage"})

	ScoringBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scoring_batch_duration_seconds",
		Help:      "Duration of one scoring batch.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// ScoringWorkerState is 0 connecting, 1 training, 2 polling,
	// 3 draining, 4 stopped.
	ScoringWorkerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scoring_worker_state",
		Help:      "Current scoring worker state.",
	})

	ScoringQuarantined = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scoring_quarantined_transactions",
		Help:      "Transactions skipped after repeated scoring failures.",
	})

	// ModelTrainingsTotal is labelled by data source: history or synthetic.
	ModelTrainingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_trainings_total",
		Help:      "Anomaly model trainings by data source.",
	}, []string{"source"})

	ModelTrainingSamples = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_training_samples",
		Help:      "Samples the active anomaly model was trained on.",
	})
)

// RegisterDB exports db's pool statistics as go_sql_* series labelled
// db_name="riskledger". Registering a second pool is a no-op.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route pattern. Unmatched
// routes share the empty pattern, which keeps label cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusBucket maps a status code to its class, "2xx" through "5xx".
func statusBucket(code int) string {
	class := min(max(code/100, 1), 5)
	return strconv.Itoa(class) + "xx"
}
