package depgraph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("calcgrid.depgraph")

var (
	// buildDuration measures complete graph builds.
	// Labels: status (ok, error, cached)
	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "calcgrid",
		Subsystem: "builder",
		Name:      "build_duration_seconds",
		Help:      "Dependency graph build latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"status"})

	// terminalFailures counts terminal requirements left unresolved.
	// Labels: kind (unsatisfiable, cyclic)
	terminalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calcgrid",
		Subsystem: "builder",
		Name:      "terminal_failures_total",
		Help:      "Terminal requirements that could not be resolved",
	}, []string{"kind"})

	// backtracks counts rejected candidates.
	backtracks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "calcgrid",
		Subsystem: "builder",
		Name:      "backtracks_total",
		Help:      "Candidates rejected after one of their inputs failed",
	})

	// graphNodes tracks the size of built graphs.
	graphNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "calcgrid",
		Subsystem: "builder",
		Name:      "graph_nodes",
		Help:      "Number of nodes in built dependency graphs",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})
)
