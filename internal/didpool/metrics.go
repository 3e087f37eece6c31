package didpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reserveOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didpool",
			Name:      "reserve_total",
			Help:      "Reserve calls by outcome (reserved, existing, exhausted, contended, error).",
		},
		[]string{"outcome"},
	)
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didpool",
			Name:      "transitions_total",
			Help:      "Committed state transitions.",
		},
		[]string{"from", "to"},
	)
	casConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "didpool",
			Name:      "cas_conflicts_total",
			Help:      "Compare-and-swap attempts that lost a race and were retried or skipped.",
		},
	)
	expiredReservations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "didpool",
			Name:      "reservations_expired_total",
			Help:      "Reservations released by the stale reservation sweep.",
		},
	)
)

func observeTransition(from, to State) {
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}
