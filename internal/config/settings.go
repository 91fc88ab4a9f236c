package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Mode values for RAG_MODE.
const (
	ModeEnabled = "enabled"
	ModeNone    = "none"
)

// Search backend values for RAG_SEARCH_BACKEND.
const (
	BackendVectorSearch  = "vector_search"
	BackendDocumentStore = "document_store"
)

// Vector engine values for RAG_VECTOR_ENGINE.
const (
	EngineQdrant   = "qdrant"
	EnginePGVector = "pgvector"
)

// Defaults applied when neither env nor YAML sets a key.
const (
	DefaultTopK                = 10
	DefaultSimilarityThreshold = 0.7
	DefaultHybridVectorWeight  = 0.7
	DefaultChunkSize           = 1500
	DefaultChunkOverlap        = 0.1
	DefaultMaxDocumentTokens   = 100_000
	DefaultBatchSize           = 10
	DefaultRateLimitRPM        = 60
	DefaultTokensPerRequest    = 8000
	DefaultEmbedMaxRetries     = 3
	DefaultEmbedQueueWait      = 30 * time.Second
	DefaultQueryTimeout        = 10 * time.Second
	DefaultEmbedTimeout        = 5 * time.Second
	DefaultHealthInterval      = 60 * time.Second
	DefaultHealthProbeTimeout  = 3 * time.Second
	DefaultFailureThreshold    = 3
	DefaultRecoveryThreshold   = 2
	DefaultDegradedLatency     = time.Second
	DefaultExcerptLength       = 280
	DefaultQdrantPort          = 6334
	DefaultQdrantCollection    = "evidex-chunks"
	DefaultPGVectorTable       = "evidex_chunks"
	DefaultServerPort          = 8080

	// MaxTopK is the largest top_k a caller may request.
	MaxTopK = 50
)

// Settings is the resolved, validated runtime configuration. It is built
// once at startup by [FromEnv]; components receive the slices they need.
type Settings struct {
	// Mode is "enabled" or "none". none disables retrieval entirely.
	Mode string
	// SearchBackend is the configured primary: vector_search or document_store.
	SearchBackend string
	// VectorEngine selects the vector_search implementation.
	VectorEngine string
	// FallbackEnabled configures the SQLite document store as failover target.
	FallbackEnabled bool

	TopK                int
	SimilarityThreshold float64
	UseHybridSearch     bool
	HybridVectorWeight  float64
	SemanticRerank      bool

	ChunkSize         int
	ChunkOverlap      float64
	MaxDocumentTokens int

	BatchSize        int
	RateLimitRPM     int
	TokensPerRequest int
	EmbedMaxRetries  int
	EmbedQueueWait   time.Duration

	Workers      int
	QueryTimeout time.Duration
	EmbedTimeout time.Duration

	HealthInterval          time.Duration
	HealthProbeTimeout      time.Duration
	HealthFailureThreshold  int
	HealthRecoveryThreshold int
	HealthDegradedLatency   time.Duration

	ExcerptLength int

	CatalogPath  string
	FallbackPath string

	Qdrant   QdrantSettings
	PGVector PGVectorSettings
	Server   ServerSettings
}

// QdrantSettings is the resolved Qdrant connection.
type QdrantSettings struct {
	Host       string
	Port       int
	Collection string
	APIKey     string
	TLS        bool
}

// PGVectorSettings is the resolved Postgres connection.
type PGVectorSettings struct {
	DSN   string
	Table string
}

// ServerSettings is the resolved HTTP surface configuration.
type ServerSettings struct {
	Host      string
	Port      int
	APIKey    string
	RateLimit float64
	RateBurst int
}

// Enabled reports whether retrieval is active.
func (s *Settings) Enabled() bool { return s.Mode != ModeNone }

// EffectiveMode is the BackendConfig mode: none, vector_search or
// document_store.
func (s *Settings) EffectiveMode() string {
	if !s.Enabled() {
		return ModeNone
	}
	return s.SearchBackend
}

// FromEnv resolves Settings from the process environment. Malformed values
// and out-of-range values are reported together.
func FromEnv() (*Settings, error) {
	r := &envReader{}

	s := &Settings{
		Mode:            strings.ToLower(r.str("RAG_MODE", ModeEnabled)),
		SearchBackend:   strings.ToLower(r.str("RAG_SEARCH_BACKEND", BackendVectorSearch)),
		VectorEngine:    strings.ToLower(r.str("RAG_VECTOR_ENGINE", EngineQdrant)),
		FallbackEnabled: r.boolean("RAG_FALLBACK_ENABLED", true),

		TopK:                r.integer("RAG_SEARCH_TOP_K", DefaultTopK),
		SimilarityThreshold: r.float("RAG_SIMILARITY_THRESHOLD", DefaultSimilarityThreshold),
		UseHybridSearch:     r.boolean("RAG_USE_HYBRID_SEARCH", false),
		HybridVectorWeight:  r.float("RAG_HYBRID_VECTOR_WEIGHT", DefaultHybridVectorWeight),
		SemanticRerank:      r.boolean("RAG_SEMANTIC_RERANK", false),

		ChunkSize:         r.integer("RAG_CHUNK_SIZE", DefaultChunkSize),
		ChunkOverlap:      r.float("RAG_CHUNK_OVERLAP", DefaultChunkOverlap),
		MaxDocumentTokens: r.integer("RAG_MAX_DOCUMENT_LENGTH", DefaultMaxDocumentTokens),

		BatchSize:        r.integer("RAG_BATCH_SIZE", DefaultBatchSize),
		RateLimitRPM:     r.integer("RAG_RATE_LIMIT", DefaultRateLimitRPM),
		TokensPerRequest: r.integer("RAG_TOKENS_PER_REQUEST", DefaultTokensPerRequest),
		EmbedMaxRetries:  r.integer("RAG_EMBED_MAX_RETRIES", DefaultEmbedMaxRetries),
		EmbedQueueWait:   r.duration("RAG_EMBED_QUEUE_WAIT", DefaultEmbedQueueWait),

		Workers:      r.integer("RAG_WORKERS", runtime.NumCPU()),
		QueryTimeout: r.duration("RAG_QUERY_TIMEOUT", DefaultQueryTimeout),
		EmbedTimeout: r.duration("RAG_EMBED_TIMEOUT", DefaultEmbedTimeout),

		HealthInterval:          r.duration("RAG_HEALTH_INTERVAL", DefaultHealthInterval),
		HealthProbeTimeout:      r.duration("RAG_HEALTH_PROBE_TIMEOUT", DefaultHealthProbeTimeout),
		HealthFailureThreshold:  r.integer("RAG_HEALTH_FAILURE_THRESHOLD", DefaultFailureThreshold),
		HealthRecoveryThreshold: r.integer("RAG_HEALTH_RECOVERY_THRESHOLD", DefaultRecoveryThreshold),
		HealthDegradedLatency:   r.duration("RAG_HEALTH_DEGRADED_LATENCY", DefaultDegradedLatency),

		ExcerptLength: r.integer("RAG_EXCERPT_LENGTH", DefaultExcerptLength),

		CatalogPath:  r.str("EVIDEX_DB", ""),
		FallbackPath: r.str("EVIDEX_FALLBACK_DB", ""),

		Qdrant: QdrantSettings{
			Host:       r.str("QDRANT_HOST", "localhost"),
			Port:       r.integer("QDRANT_PORT", DefaultQdrantPort),
			Collection: r.str("QDRANT_COLLECTION", DefaultQdrantCollection),
			APIKey:     r.str("QDRANT_API_KEY", ""),
			TLS:        r.boolean("QDRANT_TLS", false),
		},
		PGVector: PGVectorSettings{
			DSN:   r.str("PGVECTOR_DSN", ""),
			Table: r.str("PGVECTOR_TABLE", DefaultPGVectorTable),
		},
		Server: ServerSettings{
			Host:      r.str("EVIDEX_HOST", "127.0.0.1"),
			Port:      r.integer("EVIDEX_PORT", DefaultServerPort),
			APIKey:    r.str("EVIDEX_API_KEY", ""),
			RateLimit: r.float("EVIDEX_RATE_LIMIT", 0),
			RateBurst: r.integer("EVIDEX_RATE_BURST", 0),
		},
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks ranges and enumerations. All violations are reported.
func (s *Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.Mode == ModeEnabled || s.Mode == ModeNone,
		"RAG_MODE must be %q or %q, got %q", ModeEnabled, ModeNone, s.Mode)
	check(s.SearchBackend == BackendVectorSearch || s.SearchBackend == BackendDocumentStore,
		"RAG_SEARCH_BACKEND must be %q or %q, got %q", BackendVectorSearch, BackendDocumentStore, s.SearchBackend)
	check(s.VectorEngine == EngineQdrant || s.VectorEngine == EnginePGVector,
		"RAG_VECTOR_ENGINE must be %q or %q, got %q", EngineQdrant, EnginePGVector, s.VectorEngine)
	check(s.TopK >= 1 && s.TopK <= MaxTopK, "RAG_SEARCH_TOP_K must be in [1, %d], got %d", MaxTopK, s.TopK)
	check(s.SimilarityThreshold >= 0 && s.SimilarityThreshold <= 1,
		"RAG_SIMILARITY_THRESHOLD must be in [0, 1], got %v", s.SimilarityThreshold)
	check(s.HybridVectorWeight >= 0 && s.HybridVectorWeight <= 1,
		"RAG_HYBRID_VECTOR_WEIGHT must be in [0, 1], got %v", s.HybridVectorWeight)
	check(s.ChunkSize > 0, "RAG_CHUNK_SIZE must be positive, got %d", s.ChunkSize)
	check(s.ChunkOverlap >= 0 && s.ChunkOverlap < 0.5,
		"RAG_CHUNK_OVERLAP must be in [0, 0.5), got %v", s.ChunkOverlap)
	check(s.MaxDocumentTokens >= s.ChunkSize,
		"RAG_MAX_DOCUMENT_LENGTH (%d) must be at least RAG_CHUNK_SIZE (%d)", s.MaxDocumentTokens, s.ChunkSize)
	check(s.BatchSize >= 1, "RAG_BATCH_SIZE must be positive, got %d", s.BatchSize)
	check(s.RateLimitRPM >= 1, "RAG_RATE_LIMIT must be positive, got %d", s.RateLimitRPM)
	check(s.TokensPerRequest >= s.ChunkSize,
		"RAG_TOKENS_PER_REQUEST (%d) must hold at least one chunk (%d)", s.TokensPerRequest, s.ChunkSize)
	check(s.EmbedMaxRetries >= 0, "RAG_EMBED_MAX_RETRIES must not be negative, got %d", s.EmbedMaxRetries)
	check(s.EmbedQueueWait > 0, "RAG_EMBED_QUEUE_WAIT must be positive")
	check(s.Workers >= 1, "RAG_WORKERS must be positive, got %d", s.Workers)
	check(s.QueryTimeout > 0, "RAG_QUERY_TIMEOUT must be positive")
	check(s.EmbedTimeout > 0 && s.EmbedTimeout <= s.QueryTimeout,
		"RAG_EMBED_TIMEOUT must be positive and not exceed RAG_QUERY_TIMEOUT")
	check(s.HealthInterval > 0, "RAG_HEALTH_INTERVAL must be positive")
	check(s.HealthProbeTimeout > 0, "RAG_HEALTH_PROBE_TIMEOUT must be positive")
	check(s.HealthFailureThreshold >= 1, "RAG_HEALTH_FAILURE_THRESHOLD must be positive")
	check(s.HealthRecoveryThreshold >= 1, "RAG_HEALTH_RECOVERY_THRESHOLD must be positive")
	check(s.ExcerptLength > 0, "RAG_EXCERPT_LENGTH must be positive")
	check(!(s.Enabled() && s.SearchBackend == BackendVectorSearch && s.VectorEngine == EnginePGVector && s.PGVector.DSN == ""),
		"PGVECTOR_DSN is required when RAG_VECTOR_ENGINE=pgvector")
	check(!(s.Enabled() && s.SearchBackend == BackendDocumentStore && !s.FallbackEnabled),
		"RAG_SEARCH_BACKEND=document_store requires RAG_FALLBACK_ENABLED")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ResolvePaths fills empty database paths with files under ~/.evidex.
func (s *Settings) ResolvePaths() error {
	if s.CatalogPath != "" && s.FallbackPath != "" {
		return nil
	}
	dir, err := DefaultDataDir()
	if err != nil {
		return err
	}
	if s.CatalogPath == "" {
		s.CatalogPath = filepath.Join(dir, "catalog.db")
	}
	if s.FallbackPath == "" {
		s.FallbackPath = filepath.Join(dir, "fallback.db")
	}
	return nil
}

// envReader reads typed env values and collects parse errors.
type envReader struct {
	errs []error
}

func (r *envReader) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r *envReader) integer(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return i
}

func (r *envReader) float(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return fallback
	}
	return f
}

func (r *envReader) boolean(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	d, err := durationOr(strings.TrimSpace(os.Getenv(key)), fallback)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration: %w", key, err))
		return fallback
	}
	return d
}
