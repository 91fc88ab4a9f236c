// Package server implements the HTTP surface of the evidence retrieval
// engine: ingestion, search, document deletion, reindex jobs, the routing
// configuration, health and readiness, and Prometheus metrics.
// The server is started by the `evidex serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

// defaultMaxBodyBytes bounds JSON request bodies.
const defaultMaxBodyBytes = 64 << 20

// New constructs a Server from the provided engine and config.
func New(e engine, cfg *Config) (*Server, error) {
	if e == nil {
		return nil, fmt.Errorf("server: engine must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		engine:  e,
		cfg:     cfg,
		log:     logging.Component(cfg.Logger, "server"),
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}

	rl := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.log)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, s.metrics.instrument(s.routes(rl))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	if cfg.APIKey == "" {
		s.log.Warn("API authentication disabled: set EVIDEX_API_KEY to protect /api routes")
	}
	return s, nil
}

// routes builds the mux. Health, readiness and metrics are open; every
// other /api route is authenticated and rate limited.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	protect := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(s.cfg.APIKey, rl.middleware(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/ingest", protect(s.handleIngest))
	mux.Handle("POST /api/search", protect(s.handleSearch))
	mux.Handle("GET /api/config", protect(s.handleConfig))
	mux.Handle("DELETE /api/documents/{engagement_id}/{document_id}", protect(s.handleDelete))
	mux.Handle("POST /api/admin/reindex", protect(s.handleReindex))
	mux.Handle("GET /api/admin/reindex/{job_id}", protect(s.handleReindexJob))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("evidex server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// decode reads a JSON body into v, rejecting unknown fields and bodies over
// the configured limit. It writes the 400 itself and reports false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, r, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Kind: "validation"})
			return false
		}
		badRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// handleIngest handles POST /api/ingest. Partial success is still a 200;
// the result lists the chunks that were not written.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}

	uploaded := time.Now().UTC()
	if req.UploadedAt != nil {
		uploaded = req.UploadedAt.UTC()
	}
	doc := &rag.Document{
		ID:           req.DocumentID,
		EngagementID: req.EngagementID,
		Name:         req.Name,
		SourceURI:    req.SourceURI,
		UploadedAt:   uploaded,
		Tags:         req.Tags,
		Text:         req.RawText,
	}

	res, err := s.engine.Ingest(r.Context(), doc)
	if err != nil {
		writeError(w, r, err, res)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// handleSearch handles POST /api/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q rag.SearchQuery
	if !s.decode(w, r, &q) {
		return
	}

	res, err := s.engine.Query(r.Context(), q)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	citations := res.Citations
	if citations == nil {
		citations = []rag.Citation{}
	}
	writeJSON(w, r, http.StatusOK, searchResponse{
		Results:     citations,
		BackendUsed: res.BackendUsed,
		ElapsedMS:   res.Elapsed.Milliseconds(),
	})
}

// handleConfig handles GET /api/config, the read-only routing status.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.engine.Config())
}

// handleDelete handles DELETE /api/documents/{engagement_id}/{document_id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Delete(r.Context(), r.PathValue("engagement_id"), r.PathValue("document_id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	status := http.StatusOK
	if res.Superseded {
		status = http.StatusConflict
	}
	writeJSON(w, r, status, res)
}

// handleReindex handles POST /api/admin/reindex. The job runs in the
// background; the response carries its ID for polling.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if !s.decode(w, r, &req) {
		return
	}

	job, err := s.engine.StartReindex(r.Context(), req.EngagementID, req.Force)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Location", "/api/admin/reindex/"+job.ID)
	writeJSON(w, r, http.StatusAccepted, job)
}

// handleReindexJob handles GET /api/admin/reindex/{job_id}.
func (s *Server) handleReindexJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.Job(r.PathValue("job_id"))
	if !ok {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "unknown reindex job", Kind: "validation"})
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}
