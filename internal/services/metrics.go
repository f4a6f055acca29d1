package services

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_reservations_total",
			Help: "Credit reservations by bucket and outcome.",
		},
		[]string{"bucket", "outcome"},
	)
	refundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_refunds_total",
			Help: "Credit refunds by bucket and outcome.",
		},
		[]string{"bucket", "outcome"},
	)
	jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Job status writes by collection and resulting status.",
		},
		[]string{"collection", "status"},
	)
	txnConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_conflicts_total",
			Help: "Optimistic transaction retries by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(reservationsTotal, refundsTotal, jobTransitionsTotal, txnConflictsTotal)
}

// outcome collapses an operation result into a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, ErrUnknownBucket):
		return "unknown_bucket"
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrJobNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyRefunded), errors.Is(err, ErrNotFailed), errors.Is(err, ErrDuplicateRequest):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
