// Package config provides YAML-based configuration for evidex.
// Configuration is layered: defaults → YAML file → env vars. Environment
// variables always win; the YAML file only fills keys the environment leaves
// unset. [FromEnv] then resolves the typed, validated [Settings].
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. EVIDEX_CONFIG environment variable
//  3. ~/.evidex/config.yaml
//  4. ./evidex.yaml
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document. Field names mirror the env var
// names they project onto (lowercase, underscored, grouped).
type Config struct {
	// RAG holds retrieval, chunking and batching tunables.
	RAG RAGConfig `yaml:"rag"`

	// Health configures the backend health monitor.
	Health HealthConfig `yaml:"health"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Qdrant configures the Qdrant vector-search backend.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// PGVector configures the Postgres/pgvector vector-search backend.
	PGVector PGVectorConfig `yaml:"pgvector"`

	// Storage configures the local SQLite files.
	Storage StorageConfig `yaml:"storage"`

	// Rerank configures the optional semantic re-ranking model.
	Rerank RerankConfig `yaml:"rerank"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing.
	Tracing TracingConfig `yaml:"tracing"`
}

// RAGConfig holds the RAG_* tunables.
type RAGConfig struct {
	Mode                string  `yaml:"mode"`
	SearchBackend       string  `yaml:"search_backend"`
	VectorEngine        string  `yaml:"vector_engine"`
	FallbackEnabled     *bool   `yaml:"fallback_enabled"`
	SearchTopK          int     `yaml:"search_top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	UseHybridSearch     bool    `yaml:"use_hybrid_search"`
	HybridVectorWeight  float64 `yaml:"hybrid_vector_weight"`
	SemanticRerank      bool    `yaml:"semantic_rerank"`
	ChunkSize           int     `yaml:"chunk_size"`
	ChunkOverlap        float64 `yaml:"chunk_overlap"`
	MaxDocumentLength   int     `yaml:"max_document_length"`
	BatchSize           int     `yaml:"batch_size"`
	// RateLimit is the embedding request budget in requests per minute.
	RateLimit        int    `yaml:"rate_limit"`
	TokensPerRequest int    `yaml:"tokens_per_request"`
	EmbedMaxRetries  int    `yaml:"embed_max_retries"`
	EmbedQueueWait   string `yaml:"embed_queue_wait"`
	Workers          int    `yaml:"workers"`
	QueryTimeout     string `yaml:"query_timeout"`
	EmbedTimeout     string `yaml:"embed_timeout"`
	ExcerptLength    int    `yaml:"excerpt_length"`
}

// HealthConfig holds the RAG_HEALTH_* settings.
type HealthConfig struct {
	Interval          string `yaml:"interval"`
	ProbeTimeout      string `yaml:"probe_timeout"`
	FailureThreshold  int    `yaml:"failure_threshold"`
	RecoveryThreshold int    `yaml:"recovery_threshold"`
	DegradedLatency   string `yaml:"degraded_latency"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (openai, azure, ollama, gemini).
	Provider string `yaml:"provider"`
	// Model is the embedding model name or Azure deployment.
	Model string `yaml:"model"`
	// Dimensions is the fixed vector dimension D the index is built for.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the provider key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint overrides the provider base URL.
	Endpoint string `yaml:"endpoint"`
	// APIVersion is the Azure OpenAI API version.
	APIVersion string `yaml:"api_version"`
	// QueryCacheSize bounds the query-embedding LRU. 0 keeps the default.
	QueryCacheSize int `yaml:"query_cache_size"`
	// QueryCacheTTL is the lifetime of a cached query embedding.
	QueryCacheTTL string `yaml:"query_cache_ttl"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

// PGVectorConfig holds Postgres settings.
type PGVectorConfig struct {
	// DSN is a lib/pq connection string. Prefer env var PGVECTOR_DSN.
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// StorageConfig holds local database paths.
type StorageConfig struct {
	// CatalogPath is the SQLite document catalog.
	CatalogPath string `yaml:"catalog_path"`
	// FallbackPath is the SQLite fallback document-store index.
	FallbackPath string `yaml:"fallback_path"`
}

// RerankConfig holds the semantic re-ranking chat model settings.
type RerankConfig struct {
	// Provider selects the chat backend: none, ollama, openai, azure, gemini, ark.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKey is the provider key. Prefer env var RERANK_API_KEY.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey is the Bearer token for /api/*. Prefer env var EVIDEX_API_KEY.
	APIKey    string  `yaml:"api_key"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse settings.
type TracingConfig struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// envMapping maps YAML fields onto env var names. Only non-empty YAML values
// are applied and env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"RAG_MODE", func(c *Config) string { return c.RAG.Mode }},
	{"RAG_SEARCH_BACKEND", func(c *Config) string { return c.RAG.SearchBackend }},
	{"RAG_VECTOR_ENGINE", func(c *Config) string { return c.RAG.VectorEngine }},
	{"RAG_FALLBACK_ENABLED", func(c *Config) string { return optBoolStr(c.RAG.FallbackEnabled) }},
	{"RAG_SEARCH_TOP_K", func(c *Config) string { return intStr(c.RAG.SearchTopK) }},
	{"RAG_SIMILARITY_THRESHOLD", func(c *Config) string { return floatStr(c.RAG.SimilarityThreshold) }},
	{"RAG_USE_HYBRID_SEARCH", func(c *Config) string { return boolStr(c.RAG.UseHybridSearch) }},
	{"RAG_HYBRID_VECTOR_WEIGHT", func(c *Config) string { return floatStr(c.RAG.HybridVectorWeight) }},
	{"RAG_SEMANTIC_RERANK", func(c *Config) string { return boolStr(c.RAG.SemanticRerank) }},
	{"RAG_CHUNK_SIZE", func(c *Config) string { return intStr(c.RAG.ChunkSize) }},
	{"RAG_CHUNK_OVERLAP", func(c *Config) string { return floatStr(c.RAG.ChunkOverlap) }},
	{"RAG_MAX_DOCUMENT_LENGTH", func(c *Config) string { return intStr(c.RAG.MaxDocumentLength) }},
	{"RAG_BATCH_SIZE", func(c *Config) string { return intStr(c.RAG.BatchSize) }},
	{"RAG_RATE_LIMIT", func(c *Config) string { return intStr(c.RAG.RateLimit) }},
	{"RAG_TOKENS_PER_REQUEST", func(c *Config) string { return intStr(c.RAG.TokensPerRequest) }},
	{"RAG_EMBED_MAX_RETRIES", func(c *Config) string { return intStr(c.RAG.EmbedMaxRetries) }},
	{"RAG_EMBED_QUEUE_WAIT", func(c *Config) string { return c.RAG.EmbedQueueWait }},
	{"RAG_WORKERS", func(c *Config) string { return intStr(c.RAG.Workers) }},
	{"RAG_QUERY_TIMEOUT", func(c *Config) string { return c.RAG.QueryTimeout }},
	{"RAG_EMBED_TIMEOUT", func(c *Config) string { return c.RAG.EmbedTimeout }},
	{"RAG_EXCERPT_LENGTH", func(c *Config) string { return intStr(c.RAG.ExcerptLength) }},
	{"RAG_HEALTH_INTERVAL", func(c *Config) string { return c.Health.Interval }},
	{"RAG_HEALTH_PROBE_TIMEOUT", func(c *Config) string { return c.Health.ProbeTimeout }},
	{"RAG_HEALTH_FAILURE_THRESHOLD", func(c *Config) string { return intStr(c.Health.FailureThreshold) }},
	{"RAG_HEALTH_RECOVERY_THRESHOLD", func(c *Config) string { return intStr(c.Health.RecoveryThreshold) }},
	{"RAG_HEALTH_DEGRADED_LATENCY", func(c *Config) string { return c.Health.DegradedLatency }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_API_VERSION", func(c *Config) string { return c.Embedding.APIVersion }},
	{"EMBEDDING_QUERY_CACHE_SIZE", func(c *Config) string { return intStr(c.Embedding.QueryCacheSize) }},
	{"EMBEDDING_QUERY_CACHE_TTL", func(c *Config) string { return c.Embedding.QueryCacheTTL }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"PGVECTOR_DSN", func(c *Config) string { return c.PGVector.DSN }},
	{"PGVECTOR_TABLE", func(c *Config) string { return c.PGVector.Table }},
	{"EVIDEX_DB", func(c *Config) string { return c.Storage.CatalogPath }},
	{"EVIDEX_FALLBACK_DB", func(c *Config) string { return c.Storage.FallbackPath }},
	{"RERANK_PROVIDER", func(c *Config) string { return c.Rerank.Provider }},
	{"RERANK_MODEL", func(c *Config) string { return c.Rerank.Model }},
	{"RERANK_API_KEY", func(c *Config) string { return c.Rerank.APIKey }},
	{"RERANK_BASE_URL", func(c *Config) string { return c.Rerank.BaseURL }},
	{"EVIDEX_HOST", func(c *Config) string { return c.Server.Host }},
	{"EVIDEX_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"EVIDEX_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"EVIDEX_RATE_LIMIT", func(c *Config) string { return floatStr(c.Server.RateLimit) }},
	{"EVIDEX_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a YAML config file and applies its non-empty values as
// environment variables. Existing env vars are never overwritten.
// Returns the path that was loaded, or "" if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" {
			continue
		}
		if _, set := os.LookupEnv(m.envKey); set {
			continue
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("EVIDEX_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".evidex", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("evidex.yaml"); err == nil {
		return "evidex.yaml"
	}

	return ""
}

func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// floatStr renders v without trailing zeros, "" for zero.
func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(v, 'f', 4, 64), "0"), ".")
}

func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}

// optBoolStr distinguishes an explicit false from an absent key.
func optBoolStr(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

// DefaultDataDir returns ~/.evidex, creating it if needed.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".evidex")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: could not create %s: %w", dir, err)
	}
	return dir, nil
}

// durationOr parses a Go duration, returning fallback for "".
func durationOr(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}
