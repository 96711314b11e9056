// Package metrics holds the Prometheus instruments shared by the poller,
// the restore path and the Modbus transport.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saverestore_poll_cycles_total",
		Help: "Batch reads whose results were applied to the record set",
	})

	PollTicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saverestore_poll_ticks_dropped_total",
		Help: "Poll ticks skipped because a batch read was still outstanding",
	})

	PollBatchesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saverestore_poll_batches_discarded_total",
		Help: "Batch results dropped because the target set changed or polling stopped",
	})

	PointReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saverestore_point_read_failures_total",
		Help: "Control points that came back without a value in an applied batch",
	})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saverestore_poll_duration_seconds",
		Help:    "Time from batch read submission to completion",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	Records = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saverestore_records",
		Help: "Control points tracked for the current configuration",
	})

	RestoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saverestore_restore_writes_total",
		Help: "Restore outcomes per control point",
	}, []string{"outcome"})

	RestoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saverestore_restore_duration_seconds",
		Help:    "Wall time of a restore including the flush barrier",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	TransportWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saverestore_transport_write_duration_seconds",
		Help:    "Latency of a single Modbus write request",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	TransportWritesAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saverestore_transport_writes_abandoned_total",
		Help: "Writes whose context ended before they reached the device",
	})

	HistoryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saverestore_history_dropped_total",
		Help: "Live values not recorded because the history queue was full",
	})
)

// Restore outcome label values.
const (
	OutcomeAttempted = "attempted"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
