package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// coordinatorMetrics holds the Prometheus metrics owned by a Coordinator.
type coordinatorMetrics struct {
	// queries counts queries by serving backend and outcome.
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	// failovers counts operations served by the fallback because the
	// primary was not routable or failed, partitioned by operation.
	failovers *prometheus.CounterVec
	// ingests counts ingest calls by final status.
	ingests       *prometheus.CounterVec
	chunksWritten *prometheus.CounterVec
	// droppedCitations counts stale hits removed by the citation builder.
	droppedCitations prometheus.Counter
	reindexDocs      *prometheus.CounterVec
}

func newCoordinatorMetrics(reg prometheus.Registerer) *coordinatorMetrics {
	factory := promauto.With(reg)

	return &coordinatorMetrics{
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "retrieval",
			Name:      "queries_total",
			Help:      "Queries completed, partitioned by serving backend and outcome.",
		}, []string{"backend", "outcome"}),

		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evidex",
			Subsystem: "retrieval",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency including embedding, search and citation building.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"backend"}),

		failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "retrieval",
			Name:      "failovers_total",
			Help:      "Operations routed to the fallback backend instead of the primary.",
		}, []string{"operation"}),

		ingests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "retrieval",
			Name:      "ingests_total",
			Help:      "Document ingests, partitioned by result status.",
		}, []string{"status"}),

		chunksWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "retrieval",
			Name:      "chunks_written_total",
			Help:      "Index entries written, partitioned by backend kind.",
		}, []string{"backend"}),

		droppedCitations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "retrieval",
			Name:      "stale_results_dropped_total",
			Help:      "Search hits dropped because their chunk no longer exists in the catalog.",
		}),

		reindexDocs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "retrieval",
			Name:      "reindex_documents_total",
			Help:      "Documents visited by reindex jobs, partitioned by outcome.",
		}, []string{"outcome"}),
	}
}
