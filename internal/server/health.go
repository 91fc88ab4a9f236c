package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/evidex-go/internal/config"
	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

// probeTimeout is the maximum time allowed for each individual dependency
// probe during a readiness check. Kept short so /api/ready responds quickly
// even when a dependency is slow rather than unreachable.
const probeTimeout = 5 * time.Second

// Pinger is the interface implemented by any dependency that can report its
// own reachability. Each implementation must return nil when the dependency
// is healthy and a descriptive error otherwise.
// Implementations must be safe to call from multiple goroutines.
type Pinger interface {
	// Ping checks whether the dependency is reachable within the given context.
	Ping(ctx context.Context) error

	// Name returns a short human-readable label used in readiness responses
	// (e.g. "catalog").
	Name() string
}

// readyCheck holds the per-dependency result of a readiness probe.
type readyCheck struct {
	// Name is the dependency label (e.g. "catalog", "vector_search").
	Name string `json:"name"`
	// OK is true when the dependency responded successfully.
	OK bool `json:"ok"`
	// Error contains the failure reason when OK is false. Empty on success.
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Ready is true when every probe succeeded and at least one index
	// backend can serve queries.
	Ready bool `json:"ready"`
	// Mode echoes the routing mode.
	Mode string `json:"mode"`
	// Checks contains the per-dependency probe results.
	Checks []readyCheck `json:"checks"`
	// Backends is the health monitor's latest view. No extra probes are run.
	Backends []rag.BackendHealth `json:"backends"`
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /api/ready for readiness checks.
// It probes each registered Pinger with a short timeout and reads backend
// health from the monitor snapshot. It returns 200 when everything a query
// needs is available, 503 otherwise. With retrieval disabled only the
// pingers count.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	snap := s.engine.Config()
	resp := readyResponse{Ready: true, Mode: snap.Mode, Checks: []readyCheck{}, Backends: snap.Backends}
	if resp.Backends == nil {
		resp.Backends = []rag.BackendHealth{}
	}

	for _, p := range s.pingers {
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Ping(probeCtx)
		cancel()

		check := readyCheck{Name: p.Name(), OK: err == nil}
		if err != nil {
			check.Error = err.Error()
			resp.Ready = false
			log.Warn("readiness probe failed",
				slog.String("dependency", p.Name()),
				slog.Any("error", err),
			)
		}
		resp.Checks = append(resp.Checks, check)
	}

	if snap.Mode != config.ModeNone {
		routable := false
		for _, b := range snap.Backends {
			routable = routable || b.Status.Routable()
		}
		if !routable {
			resp.Ready = false
			log.Warn("readiness: no routable index backend")
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}
