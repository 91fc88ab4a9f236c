package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

// fakeTarget is a probe target whose outcome tests control.
type fakeTarget struct {
	kind  rag.BackendKind
	name  string
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeTarget) Kind() rag.BackendKind { return f.kind }
func (f *fakeTarget) Name() string          { return f.name }

func (f *fakeTarget) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

// stepClock advances by step on every reading, so each probe measures a
// latency of exactly step.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func newTestMonitor(reg prometheus.Registerer, targets ...Target) *Monitor {
	return NewMonitor(Config{
		Mode:              "enabled",
		Primary:           rag.KindVectorSearch,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		DegradedLatency:   time.Second,
		Registerer:        reg,
		Logger:            logging.Discard(),
	}, targets...)
}

// -----------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------

type probe struct {
	latency time.Duration
	fail    bool
}

var (
	fast = probe{latency: 10 * time.Millisecond}
	slow = probe{latency: 2 * time.Second}
	bad  = probe{fail: true}
)

func TestMonitor_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probes []probe
		want   rag.BackendStatus
	}{
		{"no probes", nil, rag.StatusUnknown},
		{"first success", []probe{fast}, rag.StatusHealthy},
		{"first success slow", []probe{slow}, rag.StatusDegraded},
		{"failure before any success stays unknown", []probe{bad}, rag.StatusUnknown},
		{"single failure degrades", []probe{fast, bad}, rag.StatusDegraded},
		{"two failures still degraded", []probe{fast, bad, bad}, rag.StatusDegraded},
		{"threshold failures offline", []probe{fast, bad, bad, bad}, rag.StatusOffline},
		{"unknown to offline", []probe{bad, bad, bad}, rag.StatusOffline},
		{"one success not enough to recover", []probe{bad, bad, bad, fast}, rag.StatusOffline},
		{"recovery after two successes", []probe{bad, bad, bad, fast, fast}, rag.StatusHealthy},
		{"recovery into degraded when slow", []probe{bad, bad, bad, fast, slow}, rag.StatusDegraded},
		{"failure resets recovery", []probe{bad, bad, bad, fast, bad, fast}, rag.StatusOffline},
		{"slow success degrades", []probe{fast, slow}, rag.StatusDegraded},
		{"degraded needs streak to heal", []probe{fast, slow, fast}, rag.StatusDegraded},
		{"degraded heals", []probe{fast, slow, fast, fast}, rag.StatusHealthy},
		{"intermittent failures never offline", []probe{fast, bad, fast, bad, fast, bad}, rag.StatusDegraded},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newTestMonitor(nil, &fakeTarget{kind: rag.KindVectorSearch, name: "qdrant"})
			for _, p := range tc.probes {
				var err error
				if p.fail {
					err = errors.New("connection refused")
				}
				m.Observe(rag.KindVectorSearch, p.latency, err)
			}
			if got := m.Status(rag.KindVectorSearch); got != tc.want {
				t.Errorf("status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMonitor_RecordsLastError(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(nil, &fakeTarget{kind: rag.KindVectorSearch, name: "qdrant"})

	m.Observe(rag.KindVectorSearch, 0, errors.New("dial tcp: refused"))
	h, ok := m.Health(rag.KindVectorSearch)
	if !ok {
		t.Fatal("backend not tracked")
	}
	if h.LastError != "dial tcp: refused" || h.ConsecutiveFailures != 1 || h.LastCheck.IsZero() {
		t.Errorf("unexpected health %+v", h)
	}

	m.Observe(rag.KindVectorSearch, 5*time.Millisecond, nil)
	h, _ = m.Health(rag.KindVectorSearch)
	if h.LastError != "" || h.ConsecutiveFailures != 0 || h.LastLatency != 5*time.Millisecond {
		t.Errorf("success did not reset failure state: %+v", h)
	}

	if m.Status(rag.KindDocumentStore) != rag.StatusUnknown {
		t.Error("unmonitored backend should be unknown")
	}
	m.Observe(rag.KindDocumentStore, 0, nil) // ignored
}

// -----------------------------------------------------------------------
// Probing
// -----------------------------------------------------------------------

func TestMonitor_ProbeOnce(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	primary := &fakeTarget{kind: rag.KindVectorSearch, name: "qdrant"}
	fallback := &fakeTarget{kind: rag.KindDocumentStore, name: "sqlite", err: errors.New("disk I/O error")}

	clock := &stepClock{t: time.Unix(1_700_000_000, 0), step: 20 * time.Millisecond}
	m := NewMonitor(Config{
		Mode:            "enabled",
		Primary:         rag.KindVectorSearch,
		DegradedLatency: time.Second,
		Registerer:      reg,
		Logger:          logging.Discard(),
		Now:             clock.Now,
	}, primary, fallback)

	m.ProbeOnce(context.Background())

	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("probe calls = %d/%d, want 1/1", primary.calls, fallback.calls)
	}
	if m.Status(rag.KindVectorSearch) != rag.StatusHealthy {
		t.Errorf("primary = %s", m.Status(rag.KindVectorSearch))
	}
	// Both probes read the shared clock concurrently, so only bounds hold.
	if h, _ := m.Health(rag.KindVectorSearch); h.LastLatency <= 0 || h.LastLatency >= time.Second {
		t.Errorf("latency = %s", h.LastLatency)
	}
	if got := testutil.ToFloat64(m.metrics.probeFailures.WithLabelValues("sqlite")); got != 1 {
		t.Errorf("probe failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.status.WithLabelValues("qdrant", "healthy")); got != 1 {
		t.Errorf("healthy gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.status.WithLabelValues("qdrant", "unknown")); got != 0 {
		t.Errorf("unknown gauge = %v, want 0", got)
	}

	snap := m.Snapshot()
	if snap.Status != rag.StatusHealthy || snap.SearchBackend != rag.KindVectorSearch || snap.Mode != "enabled" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Backends) != 2 || snap.Backends[1].Name != "sqlite" || snap.Backends[1].LastError == "" {
		t.Errorf("snapshot backends = %+v", snap.Backends)
	}
}

func TestMonitor_SlowProbeDegrades(t *testing.T) {
	t.Parallel()
	target := &fakeTarget{kind: rag.KindVectorSearch, name: "pgvector"}
	clock := &stepClock{t: time.Unix(0, 0), step: 1500 * time.Millisecond}
	m := NewMonitor(Config{
		Primary:         rag.KindVectorSearch,
		DegradedLatency: time.Second,
		Logger:          logging.Discard(),
		Now:             clock.Now,
	}, target)

	m.ProbeOnce(context.Background())
	if got := m.Status(rag.KindVectorSearch); got != rag.StatusDegraded {
		t.Errorf("status = %s, want degraded", got)
	}
	if !m.Status(rag.KindVectorSearch).Routable() {
		t.Error("degraded backend must stay routable")
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	target := &fakeTarget{kind: rag.KindVectorSearch, name: "qdrant"}
	m := NewMonitor(Config{Interval: 5 * time.Millisecond, Logger: logging.Discard()}, target)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		target.mu.Lock()
		n := target.calls
		target.mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d probes ran", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFixed(t *testing.T) {
	t.Parallel()
	s := Fixed{rag.KindVectorSearch: rag.StatusOffline, rag.KindDocumentStore: rag.StatusHealthy}
	if s.Status(rag.KindVectorSearch) != rag.StatusOffline {
		t.Error("fixed status not returned")
	}
	snap := s.Snapshot()
	if snap.SearchBackend != rag.KindVectorSearch || snap.Status != rag.StatusOffline || len(snap.Backends) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if (Fixed{}).Status(rag.KindVectorSearch) != rag.StatusUnknown {
		t.Error("missing backend should be unknown")
	}
}
