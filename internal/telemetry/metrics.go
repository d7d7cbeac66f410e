package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels shared by several metrics.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"
)

var (
	ObjectPuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagstate_object_puts_total",
		Help: "Node puts by outcome (stored or deduplicated)",
	}, []string{"outcome"})

	ObjectCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagstate_object_cache_lookups_total",
		Help: "Node cache lookups by result",
	}, []string{"result"})

	ObjectCorruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagstate_object_corruptions_total",
		Help: "Digest mismatches detected on read",
	})

	CommitsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagstate_commits_total",
		Help: "Commit nodes written",
	})

	ApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagstate_apply_total",
		Help: "Transactions by result",
	}, []string{"result"})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dagstate_apply_duration_seconds",
		Help:    "Time from head load to ref swap",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	SelectorEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagstate_selector_evaluations_total",
		Help: "Selector decisions per commit by outcome (skipped, unchanged, notified)",
	}, []string{"outcome"})

	BoundaryTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagstate_boundary_transfers_total",
		Help: "Export and import attempts by operation and result",
	}, []string{"operation", "result"})

	GCRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagstate_gc_runs_total",
		Help: "Garbage collection runs by status",
	}, []string{"status"})

	GCSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagstate_gc_swept_nodes_total",
		Help: "Nodes removed by garbage collection",
	})

	GCDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dagstate_gc_duration_seconds",
		Help:    "Mark and sweep duration",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)
