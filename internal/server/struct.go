package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/retrieval"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It
	// must exceed the ingest write budget so large documents can finish.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxBodyBytes caps JSON request bodies (default 64 MiB).
	MaxBodyBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready
	// in addition to the backend health snapshot.
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// engine is the retrieval surface the handlers call.
// *retrieval.Coordinator satisfies it; tests inject a fake.
type engine interface {
	Ingest(ctx context.Context, doc *rag.Document) (*rag.IngestResult, error)
	Query(ctx context.Context, q rag.SearchQuery) (*retrieval.QueryResult, error)
	Delete(ctx context.Context, engagementID, documentID string) (*retrieval.DeleteResult, error)
	StartReindex(ctx context.Context, engagementID string, force bool) (retrieval.ReindexJob, error)
	Job(id string) (retrieval.ReindexJob, bool)
	Config() rag.BackendConfig
}

// Server is the HTTP server that wraps the retrieval engine.
type Server struct {
	// engine serves every /api route except health and readiness.
	engine engine
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the HTTP metrics.
	metrics *serverMetrics
}

// ingestRequest is the JSON body for POST /api/ingest.
type ingestRequest struct {
	EngagementID string   `json:"engagement_id"`
	DocumentID   string   `json:"document_id"`
	Name         string   `json:"name,omitempty"`
	SourceURI    string   `json:"source_uri,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	// UploadedAt defaults to the time the request was received.
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
	RawText    string     `json:"raw_text"`
}

// searchResponse is the JSON response for POST /api/search.
type searchResponse struct {
	Results     []rag.Citation  `json:"results"`
	BackendUsed rag.BackendKind `json:"backend_used"`
	ElapsedMS   int64           `json:"elapsed_ms"`
}

// reindexRequest is the JSON body for POST /api/admin/reindex.
type reindexRequest struct {
	// EngagementID is an engagement or "*" for all of them.
	EngagementID string `json:"engagement_id"`
	Force        bool   `json:"force"`
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
	// Kind is the error category: validation, embedding, unavailable,
	// timeout, internal, unauthorized or rate_limited.
	Kind string `json:"kind"`
	// Result carries partial ingest detail when an ingest failed outright.
	Result *rag.IngestResult `json:"result,omitempty"`
}
