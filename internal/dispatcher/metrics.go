package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("calcgrid.dispatcher")

var (
	// jobsDispatched counts jobs handed to a node.
	// Labels: mode (pool, inline)
	jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calcgrid",
		Subsystem: "dispatcher",
		Name:      "jobs_dispatched_total",
		Help:      "Calculation jobs dispatched",
	}, []string{"mode"})

	// jobsCompleted counts applied job results.
	// Labels: status (ok, partial)
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calcgrid",
		Subsystem: "dispatcher",
		Name:      "jobs_completed_total",
		Help:      "Calculation job results applied to a cycle",
	}, []string{"status"})

	itemsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "calcgrid",
		Subsystem: "dispatcher",
		Name:      "items_failed_total",
		Help:      "Job items that failed, directly or because an input failed",
	})

	staleResults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "calcgrid",
		Subsystem: "dispatcher",
		Name:      "stale_results_total",
		Help:      "Job results discarded because their cycle or job was no longer pending",
	})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "calcgrid",
		Subsystem: "dispatcher",
		Name:      "job_duration_seconds",
		Help:      "Execution time reported by calculation nodes",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "calcgrid",
		Subsystem: "dispatcher",
		Name:      "jobs_in_flight",
		Help:      "Jobs dispatched and awaiting a result",
	})
)
