package embedder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// clientMetrics holds the Prometheus metrics owned by a Client.
type clientMetrics struct {
	// batches counts provider batches by provider and terminal outcome.
	batches *prometheus.CounterVec
	// batchDuration covers the whole batch including retries and queueing.
	batchDuration *prometheus.HistogramVec
	retries       prometheus.Counter
	// rateLimited counts 429 responses from the provider.
	rateLimited   prometheus.Counter
	queueTimeouts prometheus.Counter
	// cacheLookups counts query cache lookups by result ("hit" or "miss").
	cacheLookups *prometheus.CounterVec
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	factory := promauto.With(reg)

	return &clientMetrics{
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "embedding",
			Name:      "batches_total",
			Help:      "Embedding batches completed, partitioned by provider and outcome.",
		}, []string{"provider", "outcome"}),

		batchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evidex",
			Subsystem: "embedding",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of an embedding batch including retries and rate limit waits.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),

		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "embedding",
			Name:      "retries_total",
			Help:      "Embedding provider calls retried after a transient failure.",
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "embedding",
			Name:      "rate_limited_total",
			Help:      "HTTP 429 responses received from the embedding provider.",
		}),

		queueTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "embedding",
			Name:      "queue_timeouts_total",
			Help:      "Calls that gave up waiting for a rate limit slot.",
		}),

		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "embedding",
			Name:      "query_cache_lookups_total",
			Help:      "Query embedding cache lookups, partitioned by result.",
		}, []string{"result"}),
	}
}
