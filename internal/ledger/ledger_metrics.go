package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskledger",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations started, by operation.",
	}, []string{"op"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riskledger",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation latency, by operation.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// auditViolations holds what the latest audit found, per check.
	auditViolations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "riskledger",
		Subsystem: "ledger",
		Name:      "audit_violations",
		Help:      "Integrity violations found by the most recent audit, by check.",
	}, []string{"check"})

	auditLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskledger",
		Subsystem: "ledger",
		Name:      "audit_last_run_timestamp_seconds",
		Help:      "Unix time of the most recent completed audit.",
	})
)

// observeOp counts op and returns the function that records its latency.
func observeOp(op string) (done func()) {
	opsTotal.WithLabelValues(op).Inc()
	timer := prometheus.NewTimer(opDuration.WithLabelValues(op))
	return func() { timer.ObserveDuration() }
}

func recordAudit(r *AuditReport, at time.Time) {
	for check, n := range map[string]int{
		"unbalanced_transactions":    len(r.UnbalancedTransactions),
		"balance_mismatches":         len(r.BalanceMismatches),
		"running_balance_mismatches": len(r.RunningBalanceMismatches),
		"negative_balances":          len(r.NegativeBalances),
	} {
		auditViolations.WithLabelValues(check).Set(float64(n))
	}
	auditLastRun.Set(float64(at.Unix()))
}
