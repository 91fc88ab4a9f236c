package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/evidex-go/internal/rag"
)

var allStatuses = []rag.BackendStatus{
	rag.StatusUnknown, rag.StatusHealthy, rag.StatusDegraded, rag.StatusOffline,
}

type monitorMetrics struct {
	// status is 1 for the backend's current status and 0 for the others.
	status        *prometheus.GaugeVec
	probeDuration *prometheus.HistogramVec
	probeFailures *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

func newMonitorMetrics(reg prometheus.Registerer) *monitorMetrics {
	factory := promauto.With(reg)

	return &monitorMetrics{
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "evidex",
			Subsystem: "backend",
			Name:      "status",
			Help:      "Current backend status; 1 for the active status label, 0 otherwise.",
		}, []string{"backend", "status"}),

		probeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evidex",
			Subsystem: "backend",
			Name:      "probe_duration_seconds",
			Help:      "Latency of backend health probes.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 3},
		}, []string{"backend"}),

		probeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "backend",
			Name:      "probe_failures_total",
			Help:      "Failed backend health probes.",
		}, []string{"backend"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidex",
			Subsystem: "backend",
			Name:      "status_transitions_total",
			Help:      "Backend status transitions, partitioned by from and to status.",
		}, []string{"backend", "from", "to"}),
	}
}

func (m *monitorMetrics) setStatus(backend string, current rag.BackendStatus) {
	for _, s := range allStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		m.status.WithLabelValues(backend, string(s)).Set(v)
	}
}
