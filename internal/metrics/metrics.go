// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prooflink_requests_accepted_total",
		Help: "Proof requests accepted for relaying",
	})

	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prooflink_polls_total",
			Help: "Proving service polls by outcome",
		},
		[]string{"outcome"},
	)

	InFlightPolls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prooflink_polls_in_flight",
		Help: "Jobs currently being polled",
	})

	ProofsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prooflink_proofs_completed_total",
		Help: "Requests whose proof completed",
	})

	BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prooflink_batches_flushed_total",
		Help: "Batches submitted on chain",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prooflink_batch_size",
		Help:    "Entries per flushed batch",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prooflink_flush_failures_total",
		Help: "Batch transactions that failed or reverted",
	})
)
