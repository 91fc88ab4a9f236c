package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/retrieval"
)

// ---------------------------------------------------------------------------
// Fake engine
// ---------------------------------------------------------------------------

// fakeEngine is a test double for the engine interface. It records the
// last call of each kind and returns the configured results.
type fakeEngine struct {
	mu sync.Mutex

	ingestRes *rag.IngestResult
	ingestErr error
	lastDoc   *rag.Document

	queryRes  *retrieval.QueryResult
	queryErr  error
	lastQuery rag.SearchQuery

	deleteRes *retrieval.DeleteResult
	deleteErr error
	deleted   [2]string

	job        retrieval.ReindexJob
	reindexErr error
	jobs       map[string]retrieval.ReindexJob

	cfg rag.BackendConfig
}

func (f *fakeEngine) Ingest(_ context.Context, doc *rag.Document) (*rag.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDoc = doc
	return f.ingestRes, f.ingestErr
}

func (f *fakeEngine) Query(_ context.Context, q rag.SearchQuery) (*retrieval.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return f.queryRes, f.queryErr
}

func (f *fakeEngine) Delete(_ context.Context, engagementID, documentID string) (*retrieval.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = [2]string{engagementID, documentID}
	return f.deleteRes, f.deleteErr
}

func (f *fakeEngine) StartReindex(_ context.Context, engagementID string, force bool) (retrieval.ReindexJob, error) {
	if f.reindexErr != nil {
		return retrieval.ReindexJob{}, f.reindexErr
	}
	j := f.job
	j.EngagementID, j.Force = engagementID, force
	return j, nil
}

func (f *fakeEngine) Job(id string) (retrieval.ReindexJob, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeEngine) Config() rag.BackendConfig { return f.cfg }

// healthyConfig is a snapshot with a routable primary.
func healthyConfig() rag.BackendConfig {
	return rag.BackendConfig{
		Mode:          string(rag.KindVectorSearch),
		SearchBackend: rag.KindVectorSearch,
		Status:        rag.StatusHealthy,
		Backends: []rag.BackendHealth{
			{Kind: rag.KindVectorSearch, Name: "qdrant", Status: rag.StatusHealthy},
			{Kind: rag.KindDocumentStore, Name: "sqlite", Status: rag.StatusHealthy},
		},
	}
}

// newTestServer builds a Server around eng with an isolated metrics
// registry and a discarded log.
func newTestServer(t *testing.T, eng *fakeEngine, mutate func(*Config)) (*Server, *prometheus.Registry) {
	t.Helper()
	if eng == nil {
		eng = &fakeEngine{cfg: healthyConfig()}
	}
	reg := prometheus.NewRegistry()
	cfg := &Config{
		Logger:          logging.Discard(),
		MetricsRegistry: reg,
		MetricsGatherer: reg,
		RateLimit:       1000,
		RateBurst:       1000,
	}
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(eng, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, reg
}

// do sends a request through the full handler chain.
func do(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// POST /api/ingest
// ---------------------------------------------------------------------------

func TestHandleIngest_OK(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{ingestRes: &rag.IngestResult{
		DocumentID: "doc-1", EngagementID: "eng-1", ChunksTotal: 3, ChunksWritten: 3,
		Status: rag.IngestSuccess, Backends: []rag.BackendKind{rag.KindVectorSearch},
	}}
	s, _ := newTestServer(t, eng, nil)

	before := time.Now().UTC()
	w := do(s, http.MethodPost, "/api/ingest",
		`{"engagement_id":"eng-1","document_id":"doc-1","name":"Access Review","tags":["soc2"],"raw_text":"MFA is enforced."}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	res := decodeBody[rag.IngestResult](t, w)
	if res.Status != rag.IngestSuccess || res.ChunksWritten != 3 {
		t.Errorf("result = %+v", res)
	}

	doc := eng.lastDoc
	if doc.ID != "doc-1" || doc.EngagementID != "eng-1" || doc.Name != "Access Review" || doc.Text != "MFA is enforced." {
		t.Errorf("document = %+v", doc)
	}
	if len(doc.Tags) != 1 || doc.Tags[0] != "soc2" {
		t.Errorf("tags = %v", doc.Tags)
	}
	if doc.UploadedAt.Before(before) {
		t.Errorf("UploadedAt %v should default to receipt time", doc.UploadedAt)
	}
}

func TestHandleIngest_ExplicitUploadTime(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{ingestRes: &rag.IngestResult{Status: rag.IngestSuccess}}
	s, _ := newTestServer(t, eng, nil)

	w := do(s, http.MethodPost, "/api/ingest",
		`{"engagement_id":"e","document_id":"d","raw_text":"x","uploaded_at":"2026-03-01T10:00:00+02:00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	want := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if !eng.lastDoc.UploadedAt.Equal(want) || eng.lastDoc.UploadedAt.Location() != time.UTC {
		t.Errorf("UploadedAt = %v, want %v", eng.lastDoc.UploadedAt, want)
	}
}

func TestHandleIngest_BadBody(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)
	for name, body := range map[string]string{
		"not json":      `{`,
		"unknown field": `{"engagement_id":"e","document_id":"d","text":"x"}`,
	} {
		w := do(s, http.MethodPost, "/api/ingest", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
}

func TestHandleIngest_BodyTooLarge(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, func(c *Config) { c.MaxBodyBytes = 32 })
	w := do(s, http.MethodPost, "/api/ingest",
		`{"engagement_id":"e","document_id":"d","raw_text":"`+strings.Repeat("x", 64)+`"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

// TestHandleIngest_ErrorMapping verifies each error category reaches the
// client with its status code, and that internal errors are not echoed.
func TestHandleIngest_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"validation", &rag.ValidationError{Field: "engagement_id", Reason: "must not be empty"}, http.StatusBadRequest, "validation"},
		{"chunking", &rag.ChunkingError{DocumentID: "d", Reason: "empty"}, http.StatusBadRequest, "validation"},
		{"embedding", &rag.EmbeddingError{BatchIndex: 0, Attempts: 4, Err: errors.New("429")}, http.StatusBadGateway, "embedding"},
		{"unavailable", &rag.BackendUnavailableError{Backend: rag.KindVectorSearch, Reason: "offline"}, http.StatusServiceUnavailable, "unavailable"},
		{"timeout", &rag.TimeoutError{Stage: "query", Budget: time.Second}, http.StatusGatewayTimeout, "timeout"},
		{"shutting down", retrieval.ErrShuttingDown, http.StatusServiceUnavailable, "unavailable"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			eng := &fakeEngine{ingestErr: tc.err}
			if tc.name == "embedding" {
				eng.ingestRes = &rag.IngestResult{DocumentID: "d", ChunksTotal: 2, Status: rag.IngestFailed}
			}
			s, _ := newTestServer(t, eng, nil)

			w := do(s, http.MethodPost, "/api/ingest", `{"engagement_id":"e","document_id":"d","raw_text":"x"}`)
			if w.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d — body: %s", tc.wantCode, w.Code, w.Body.String())
			}
			resp := decodeBody[errorResponse](t, w)
			if resp.Kind != tc.wantKind {
				t.Errorf("kind: expected %q, got %q", tc.wantKind, resp.Kind)
			}
			if tc.name == "internal" && strings.Contains(resp.Error, "disk") {
				t.Errorf("internal error leaked: %q", resp.Error)
			}
			if tc.name == "embedding" && (resp.Result == nil || resp.Result.Status != rag.IngestFailed) {
				t.Errorf("embedding failure should carry the ingest result, got %+v", resp.Result)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// POST /api/search
// ---------------------------------------------------------------------------

func TestHandleSearch_OK(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{queryRes: &retrieval.QueryResult{
		Citations: []rag.Citation{
			{DocumentID: "d1", DocumentName: "Policy", ChunkIndex: 1, Excerpt: "MFA", Score: 0.91, Rank: 1},
			{DocumentID: "d2", DocumentName: "Review", ChunkIndex: 4, Excerpt: "Quarterly", Score: 0.82, Rank: 2},
		},
		BackendUsed: rag.KindDocumentStore,
		Elapsed:     42 * time.Millisecond,
	}}
	s, _ := newTestServer(t, eng, nil)

	w := do(s, http.MethodPost, "/api/search",
		`{"engagement_id":"eng-1","query_text":"mfa","top_k":5,"score_threshold":0.8,"use_hybrid":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !strings.Contains(body, `"relevance_score":0.91`) || strings.Contains(body, `"score":`) {
		t.Errorf("citation score must be encoded as relevance_score: %s", body)
	}

	resp := decodeBody[searchResponse](t, w)
	if len(resp.Results) != 2 || resp.Results[0].Rank != 1 || resp.Results[1].DocumentID != "d2" {
		t.Errorf("results = %+v", resp.Results)
	}
	if resp.BackendUsed != rag.KindDocumentStore || resp.ElapsedMS != 42 {
		t.Errorf("backend_used = %q, elapsed_ms = %d", resp.BackendUsed, resp.ElapsedMS)
	}

	q := eng.lastQuery
	if q.EngagementID != "eng-1" || q.QueryText != "mfa" || q.TopK == nil || *q.TopK != 5 {
		t.Errorf("query = %+v", q)
	}
	if q.ScoreThreshold == nil || *q.ScoreThreshold != 0.8 {
		t.Errorf("score_threshold not forwarded: %v", q.ScoreThreshold)
	}
	if q.UseHybrid == nil || *q.UseHybrid {
		t.Errorf("use_hybrid not forwarded: %v", q.UseHybrid)
	}
}

// TestHandleSearch_EmptyResultsIsArray verifies that an empty result set is
// encoded as [] rather than null.
func TestHandleSearch_EmptyResultsIsArray(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{queryRes: &retrieval.QueryResult{BackendUsed: retrieval.BackendNone}}
	s, _ := newTestServer(t, eng, nil)

	w := do(s, http.MethodPost, "/api/search", `{"engagement_id":"e","query_text":"q"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"results":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
	if eng.lastQuery.TopK != nil || eng.lastQuery.ScoreThreshold != nil || eng.lastQuery.UseHybrid != nil {
		t.Error("omitted overrides must stay nil")
	}
}

func TestHandleSearch_Timeout(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{queryErr: &rag.TimeoutError{Stage: "search", Budget: 5 * time.Second, Err: context.DeadlineExceeded}}
	s, _ := newTestServer(t, eng, nil)

	w := do(s, http.MethodPost, "/api/search", `{"engagement_id":"e","query_text":"q"}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// GET /api/config
// ---------------------------------------------------------------------------

func TestHandleConfig(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)
	w := do(s, http.MethodGet, "/api/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	cfg := decodeBody[rag.BackendConfig](t, w)
	if cfg.SearchBackend != rag.KindVectorSearch || cfg.Status != rag.StatusHealthy || len(cfg.Backends) != 2 {
		t.Errorf("config = %+v", cfg)
	}
}

// ---------------------------------------------------------------------------
// DELETE /api/documents/{engagement_id}/{document_id}
// ---------------------------------------------------------------------------

func TestHandleDelete(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{deleteRes: &retrieval.DeleteResult{Deleted: true}}
	s, _ := newTestServer(t, eng, nil)

	w := do(s, http.MethodDelete, "/api/documents/eng-1/doc-7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if eng.deleted != [2]string{"eng-1", "doc-7"} {
		t.Errorf("deleted = %v", eng.deleted)
	}
	if res := decodeBody[retrieval.DeleteResult](t, w); !res.Deleted {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleDelete_Superseded(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{deleteRes: &retrieval.DeleteResult{Superseded: true}}
	s, _ := newTestServer(t, eng, nil)

	if w := do(s, http.MethodDelete, "/api/documents/eng-1/doc-7", ""); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// /api/admin/reindex
// ---------------------------------------------------------------------------

func TestHandleReindex(t *testing.T) {
	t.Parallel()

	running := retrieval.ReindexJob{ID: "job-1", State: retrieval.JobRunning, StartedAt: time.Now()}
	eng := &fakeEngine{
		job:  running,
		jobs: map[string]retrieval.ReindexJob{"job-1": {ID: "job-1", State: retrieval.JobCompleted, Total: 4, Reindexed: 3, Skipped: 1}},
	}
	s, _ := newTestServer(t, eng, nil)

	w := do(s, http.MethodPost, "/api/admin/reindex", `{"engagement_id":"*","force":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d — body: %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/api/admin/reindex/job-1" {
		t.Errorf("Location = %q", loc)
	}
	job := decodeBody[retrieval.ReindexJob](t, w)
	if job.ID != "job-1" || job.EngagementID != "*" || !job.Force {
		t.Errorf("job = %+v", job)
	}

	w = do(s, http.MethodGet, "/api/admin/reindex/job-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeBody[retrieval.ReindexJob](t, w); got.State != retrieval.JobCompleted || got.Skipped != 1 {
		t.Errorf("job progress = %+v", got)
	}

	if w := do(s, http.MethodGet, "/api/admin/reindex/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", w.Code)
	}
}

func TestHandleReindex_Validation(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{reindexErr: &rag.ValidationError{Field: "engagement_id", Reason: "must not be empty"}}
	s, _ := newTestServer(t, eng, nil)

	if w := do(s, http.MethodPost, "/api/admin/reindex", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Routing, auth and middleware
// ---------------------------------------------------------------------------

// TestRoutes_AuthScope verifies that /api routes need the key while
// health, readiness and metrics stay open.
func TestRoutes_AuthScope(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, func(c *Config) { c.APIKey = "secret" })

	tests := []struct {
		method, path string
		auth         bool
		want         int
	}{
		{http.MethodGet, "/api/config", false, http.StatusUnauthorized},
		{http.MethodGet, "/api/config", true, http.StatusOK},
		{http.MethodDelete, "/api/documents/e/d", false, http.StatusUnauthorized},
		{http.MethodGet, "/api/health", false, http.StatusOK},
		{http.MethodGet, "/api/ready", false, http.StatusOK},
		{http.MethodGet, "/metrics", false, http.StatusOK},
		{http.MethodGet, "/api/search", true, http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		var headers []string
		if tc.auth {
			headers = []string{"Authorization", "Bearer secret"}
		}
		if w := do(s, tc.method, tc.path, "", headers...); w.Code != tc.want {
			t.Errorf("%s %s (auth=%v): expected %d, got %d", tc.method, tc.path, tc.auth, tc.want, w.Code)
		}
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil)

	w := do(s, http.MethodGet, "/api/health", "")
	if id := w.Header().Get(requestIDHeader); len(id) != 36 {
		t.Errorf("expected a generated UUID, got %q", id)
	}

	const caller = "8a0e52f4-3b3c-4d8e-9f55-0b7d8e2a6c11"
	w = do(s, http.MethodGet, "/api/health", "", requestIDHeader, caller)
	if id := w.Header().Get(requestIDHeader); id != caller {
		t.Errorf("expected caller ID to be echoed, got %q", id)
	}

	w = do(s, http.MethodGet, "/api/health", "", requestIDHeader, "not a uuid\nInjected: 1")
	if id := w.Header().Get(requestIDHeader); id == "not a uuid\nInjected: 1" {
		t.Error("malformed request IDs must be replaced")
	}
}

func TestNew_RequiresEngine(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil); err == nil {
		t.Error("expected error for nil engine")
	}
}
