package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/54b3r/evidex-go/internal/config"
	"github.com/54b3r/evidex-go/internal/rag"
)

// ---------------------------------------------------------------------------
// Fake Pinger for readiness tests
// ---------------------------------------------------------------------------

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	// name is returned by Name().
	name string
	// err is returned by Ping(); nil means healthy.
	err error
}

func (f *fakePinger) Name() string                 { return f.name }
func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// newReadyTestServer builds a *Server with the given pingers wired in and
// healthy index backends.
func newReadyTestServer(t *testing.T, pingers ...Pinger) *Server {
	t.Helper()
	s, _ := newTestServer(t, nil, func(c *Config) { c.Pingers = pingers })
	return s
}

// ---------------------------------------------------------------------------
// GET /api/health — liveness
// ---------------------------------------------------------------------------

// TestHandleHealth_OK verifies that GET /api/health returns 200 with a JSON
// body containing {"status":"ok"}.
func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d — body: %s", w.Code, w.Body.String())
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status: expected %q, got %q", "ok", body["status"])
	}
}

// ---------------------------------------------------------------------------
// GET /api/ready — readiness
// ---------------------------------------------------------------------------

// TestHandleReady_NoPingers verifies that /api/ready returns 200 with
// ready:true and an empty checks array when no pingers are registered and
// the backends are healthy.
func TestHandleReady_NoPingers(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Ready {
		t.Errorf("expected ready:true with no pingers")
	}
	if len(resp.Checks) != 0 {
		t.Errorf("expected 0 checks, got %d", len(resp.Checks))
	}
}

// TestHandleReady_AllHealthy verifies that /api/ready returns 200 with
// ready:true when all pingers succeed.
func TestHandleReady_AllHealthy(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "catalog", err: nil},
		&fakePinger{name: "embedder", err: nil},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Ready {
		t.Errorf("expected ready:true")
	}
	if len(resp.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(resp.Checks))
	}
	for _, c := range resp.Checks {
		if !c.OK {
			t.Errorf("check %q: expected ok:true", c.Name)
		}
		if c.Error != "" {
			t.Errorf("check %q: expected no error, got %q", c.Name, c.Error)
		}
	}
}

// TestHandleReady_OneFailing verifies that /api/ready returns 503 with
// ready:false when one pinger fails, and the failing check has ok:false
// with a non-empty error field.
func TestHandleReady_OneFailing(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "catalog", err: nil},
		&fakePinger{name: "embedder", err: errors.New("connection refused")},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ready {
		t.Errorf("expected ready:false")
	}

	var embedderCheck *readyCheck
	for i := range resp.Checks {
		if resp.Checks[i].Name == "embedder" {
			embedderCheck = &resp.Checks[i]
		}
	}
	if embedderCheck == nil {
		t.Fatal("embedder check missing from response")
	}
	if embedderCheck.OK {
		t.Errorf("embedder check: expected ok:false")
	}
	if embedderCheck.Error == "" {
		t.Errorf("embedder check: expected non-empty error")
	}
}

// TestHandleReady_AllFailing verifies that /api/ready returns 503 with
// ready:false and all checks showing ok:false when every pinger fails.
func TestHandleReady_AllFailing(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "catalog", err: errors.New("timeout")},
		&fakePinger{name: "embedder", err: errors.New("connection refused")},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ready {
		t.Errorf("expected ready:false")
	}
	for _, c := range resp.Checks {
		if c.OK {
			t.Errorf("check %q: expected ok:false", c.Name)
		}
	}
}

// TestHandleReady_ContentType verifies the response always has Content-Type
// application/json regardless of probe outcome.
func TestHandleReady_ContentType(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t, &fakePinger{name: "catalog", err: errors.New("down")})
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
}

// TestHandleReady_Backends verifies that readiness follows the monitor
// snapshot: at least one routable backend is needed unless retrieval is
// disabled.
func TestHandleReady_Backends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mode     string
		statuses []rag.BackendStatus
		want     int
	}{
		{"primary offline, fallback healthy", "vector_search", []rag.BackendStatus{rag.StatusOffline, rag.StatusHealthy}, http.StatusOK},
		{"degraded primary only", "vector_search", []rag.BackendStatus{rag.StatusDegraded}, http.StatusOK},
		{"nothing probed yet", "vector_search", []rag.BackendStatus{rag.StatusUnknown, rag.StatusUnknown}, http.StatusServiceUnavailable},
		{"all offline", "document_store", []rag.BackendStatus{rag.StatusOffline}, http.StatusServiceUnavailable},
		{"retrieval disabled", config.ModeNone, []rag.BackendStatus{rag.StatusOffline}, http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			snap := rag.BackendConfig{Mode: tc.mode}
			kinds := []rag.BackendKind{rag.KindVectorSearch, rag.KindDocumentStore}
			for i, st := range tc.statuses {
				snap.Backends = append(snap.Backends, rag.BackendHealth{Kind: kinds[i], Status: st})
			}
			s, _ := newTestServer(t, &fakeEngine{cfg: snap}, nil)

			w := httptest.NewRecorder()
			s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d — body: %s", tc.want, w.Code, w.Body.String())
			}
			var resp readyResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Backends) != len(tc.statuses) || resp.Mode != tc.mode {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

// TestCatalogPinger verifies that catalog errors are wrapped with the
// dependency name.
func TestCatalogPinger(t *testing.T) {
	t.Parallel()

	ok := NewCatalogPinger(&fakePinger{name: "db"})
	if err := ok.Ping(context.Background()); err != nil || ok.Name() != "catalog" {
		t.Errorf("healthy catalog: err=%v name=%q", err, ok.Name())
	}

	down := NewCatalogPinger(&fakePinger{name: "db", err: errors.New("database is locked")})
	if err := down.Ping(context.Background()); err == nil || !strings.Contains(err.Error(), "database is locked") {
		t.Errorf("expected wrapped catalog error, got %v", err)
	}
}
