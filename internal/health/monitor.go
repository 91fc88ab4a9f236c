// Package health tracks backend availability. A Monitor probes each
// configured backend on a fixed interval and runs a small state machine per
// backend; the retrieval coordinator reads the resulting status through the
// State interface and never probes on the query path.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

// Defaults applied when a Config field is zero.
const (
	DefaultInterval          = 60 * time.Second
	DefaultProbeTimeout      = 3 * time.Second
	DefaultFailureThreshold  = 3
	DefaultRecoveryThreshold = 2
)

// Target is anything the monitor can probe. Every rag.Backend is a Target.
type Target interface {
	Kind() rag.BackendKind
	Name() string
	HealthCheck(ctx context.Context) error
}

// State is the read-only view of backend health consumed by the retrieval
// coordinator.
type State interface {
	// Status returns the current status of the backend with the given role,
	// StatusUnknown when no such backend is monitored.
	Status(kind rag.BackendKind) rag.BackendStatus
	// Snapshot returns the routing configuration with per-backend health.
	Snapshot() rag.BackendConfig
}

// Config holds the settings for a Monitor.
type Config struct {
	// Mode and Primary are echoed in snapshots.
	Mode    string
	Primary rag.BackendKind

	Interval     time.Duration
	ProbeTimeout time.Duration
	// FailureThreshold consecutive failures take a backend Offline.
	FailureThreshold int
	// RecoveryThreshold consecutive successes bring a backend back from
	// Offline or Degraded.
	RecoveryThreshold int
	// DegradedLatency marks a successful probe slower than this as Degraded.
	// Zero disables latency-based degradation.
	DegradedLatency time.Duration

	Registerer prometheus.Registerer
	Logger     *slog.Logger
	// Now is the clock; tests inject a fake one.
	Now func() time.Time
}

// Monitor probes targets and holds their health. It is safe for concurrent use.
type Monitor struct {
	cfg     Config
	targets []Target
	log     *slog.Logger
	metrics *monitorMetrics

	mu     sync.RWMutex
	states map[rag.BackendKind]*backendState
}

var _ State = (*Monitor)(nil)

type backendState struct {
	health    rag.BackendHealth
	successes int
}

// NewMonitor creates a monitor for targets. All start Unknown, which is not
// routable; call ProbeOnce before serving traffic.
func NewMonitor(cfg Config, targets ...Target) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Monitor{
		cfg:     cfg,
		targets: targets,
		log:     logging.Component(cfg.Logger, "health"),
		metrics: newMonitorMetrics(cfg.Registerer),
		states:  make(map[rag.BackendKind]*backendState, len(targets)),
	}
	for _, t := range targets {
		m.states[t.Kind()] = &backendState{health: rag.BackendHealth{
			Kind:   t.Kind(),
			Name:   t.Name(),
			Status: rag.StatusUnknown,
		}}
		m.metrics.setStatus(t.Name(), rag.StatusUnknown)
	}
	return m
}

// Run probes every target once immediately and then on each interval until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes all targets concurrently, each under its own timeout, and
// returns when every probe has finished.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range m.targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probe(ctx, t)
		}()
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, t Target) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.cfg.Now()
	err := t.HealthCheck(probeCtx)
	latency := m.cfg.Now().Sub(start)

	m.metrics.probeDuration.WithLabelValues(t.Name()).Observe(latency.Seconds())
	if err != nil {
		m.metrics.probeFailures.WithLabelValues(t.Name()).Inc()
	}
	m.Observe(t.Kind(), latency, err)
}

// Observe feeds one probe outcome into the state machine of the backend with
// the given role. It is exported so callers with their own probing (and
// tests) can drive transitions directly.
func (m *Monitor) Observe(kind rag.BackendKind, latency time.Duration, probeErr error) {
	m.mu.Lock()
	st, ok := m.states[kind]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := st.health.Status
	to := m.next(st, latency, probeErr)
	st.health.Status = to
	st.health.LastCheck = m.cfg.Now()
	st.health.LastLatency = latency
	st.health.LastError = ""
	if probeErr != nil {
		st.health.LastError = probeErr.Error()
	}
	h := st.health
	m.mu.Unlock()

	if from == to {
		return
	}
	m.metrics.setStatus(h.Name, to)
	m.metrics.transitions.WithLabelValues(h.Name, string(from), string(to)).Inc()

	attrs := []any{
		slog.String("backend", h.Name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Duration("latency", latency),
		slog.Int("consecutive_failures", h.ConsecutiveFailures),
	}
	if probeErr != nil {
		attrs = append(attrs, slog.Any("error", probeErr))
	}
	switch to {
	case rag.StatusOffline, rag.StatusDegraded:
		m.log.Warn("backend status changed", attrs...)
	default:
		m.log.Info("backend status changed", attrs...)
	}
}

// next advances st by one probe outcome and returns the new status. Called
// with m.mu held.
//
//	failure: Healthy -> Degraded; any -> Offline after FailureThreshold
//	success: Unknown -> Healthy at once; Offline needs RecoveryThreshold
//	         consecutive successes; Degraded needs that many fast ones;
//	         a slow success -> Degraded
func (m *Monitor) next(st *backendState, latency time.Duration, probeErr error) rag.BackendStatus {
	cur := st.health.Status

	if probeErr != nil {
		st.successes = 0
		st.health.ConsecutiveFailures++
		switch {
		case st.health.ConsecutiveFailures >= m.cfg.FailureThreshold:
			return rag.StatusOffline
		case cur == rag.StatusHealthy:
			return rag.StatusDegraded
		default:
			return cur
		}
	}

	st.health.ConsecutiveFailures = 0
	st.successes++
	slow := m.cfg.DegradedLatency > 0 && latency > m.cfg.DegradedLatency

	if cur == rag.StatusOffline && st.successes < m.cfg.RecoveryThreshold {
		return rag.StatusOffline
	}
	if slow {
		// Healing from Degraded counts fast successes only.
		st.successes = 0
		return rag.StatusDegraded
	}
	if cur == rag.StatusDegraded && st.successes < m.cfg.RecoveryThreshold {
		return rag.StatusDegraded
	}
	return rag.StatusHealthy
}

// Status implements State.
func (m *Monitor) Status(kind rag.BackendKind) rag.BackendStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[kind]; ok {
		return st.health.Status
	}
	return rag.StatusUnknown
}

// Health returns the full health record for one backend.
func (m *Monitor) Health(kind rag.BackendKind) (rag.BackendHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[kind]
	if !ok {
		return rag.BackendHealth{}, false
	}
	return st.health, true
}

// Snapshot implements State. Backends are listed in target order.
func (m *Monitor) Snapshot() rag.BackendConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := rag.BackendConfig{
		Mode:          m.cfg.Mode,
		SearchBackend: m.cfg.Primary,
		Status:        rag.StatusUnknown,
		Backends:      make([]rag.BackendHealth, 0, len(m.targets)),
	}
	for _, t := range m.targets {
		h := m.states[t.Kind()].health
		cfg.Backends = append(cfg.Backends, h)
		if t.Kind() == m.cfg.Primary {
			cfg.Status = h.Status
			cfg.LastCheck = h.LastCheck
		}
	}
	return cfg
}

// Fixed is a State with constant statuses, for one-shot CLI commands and
// tests that should not depend on probing.
type Fixed map[rag.BackendKind]rag.BackendStatus

var _ State = Fixed(nil)

// Status implements State.
func (f Fixed) Status(kind rag.BackendKind) rag.BackendStatus {
	if s, ok := f[kind]; ok {
		return s
	}
	return rag.StatusUnknown
}

// Snapshot implements State.
func (f Fixed) Snapshot() rag.BackendConfig {
	cfg := rag.BackendConfig{Mode: "enabled", Status: rag.StatusUnknown}
	for _, kind := range []rag.BackendKind{rag.KindVectorSearch, rag.KindDocumentStore} {
		s, ok := f[kind]
		if !ok {
			continue
		}
		if cfg.SearchBackend == "" {
			cfg.SearchBackend, cfg.Status = kind, s
		}
		cfg.Backends = append(cfg.Backends, rag.BackendHealth{Kind: kind, Name: string(kind), Status: s})
	}
	return cfg
}
