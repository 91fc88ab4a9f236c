// Package audit emits one structured line per CLI command invocation with
// the resolved configuration. Secrets are logged as presence/absence only.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// secretEnvKeys lists environment variable names whose values must never be
// logged. Only presence ("set") or absence ("unset") is recorded.
var secretEnvKeys = map[string]bool{
	"EMBEDDING_API_KEY":    true,
	"OPENAI_API_KEY":       true,
	"AZURE_OPENAI_API_KEY": true,
	"GOOGLE_API_KEY":       true,
	"QDRANT_API_KEY":       true,
	"PGVECTOR_DSN":         true,
	"RERANK_API_KEY":       true,
	"EVIDEX_API_KEY":       true,
	"LANGFUSE_PUBLIC_KEY":  true,
	"LANGFUSE_SECRET_KEY":  true,
}

// LogCommandStart emits a structured audit log entry when a CLI command begins.
// It records the command name, config file source, and sanitised environment.
func LogCommandStart(ctx context.Context, log *slog.Logger, command string, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}

	for _, entry := range auditKeys {
		val := os.Getenv(entry.key)
		if entry.secret || secretEnvKeys[entry.key] {
			attrs = append(attrs, slog.String(entry.key, presence(val)))
			continue
		}
		attrs = append(attrs, slog.String(entry.key, valOrUnset(val)))
	}

	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// auditEntry defines an env var to include in the audit log.
type auditEntry struct {
	// key is the environment variable name.
	key string
	// secret indicates the value should be redacted to presence/absence.
	secret bool
}

// auditKeys is the ordered list of env vars included in every audit log entry.
var auditKeys = []auditEntry{
	{"RAG_MODE", false},
	{"RAG_SEARCH_BACKEND", false},
	{"RAG_VECTOR_ENGINE", false},
	{"RAG_FALLBACK_ENABLED", false},
	{"RAG_SEARCH_TOP_K", false},
	{"RAG_SIMILARITY_THRESHOLD", false},
	{"RAG_USE_HYBRID_SEARCH", false},
	{"RAG_SEMANTIC_RERANK", false},
	{"RAG_CHUNK_SIZE", false},
	{"RAG_CHUNK_OVERLAP", false},
	{"RAG_BATCH_SIZE", false},
	{"RAG_RATE_LIMIT", false},
	{"EMBEDDING_PROVIDER", false},
	{"EMBEDDING_MODEL", false},
	{"EMBEDDING_DIMENSIONS", false},
	{"EMBEDDING_API_KEY", true},
	{"OPENAI_API_KEY", true},
	{"AZURE_OPENAI_API_KEY", true},
	{"GOOGLE_API_KEY", true},
	{"QDRANT_HOST", false},
	{"QDRANT_PORT", false},
	{"QDRANT_COLLECTION", false},
	{"QDRANT_API_KEY", true},
	{"PGVECTOR_DSN", true},
	{"PGVECTOR_TABLE", false},
	{"EVIDEX_DB", false},
	{"EVIDEX_FALLBACK_DB", false},
	{"RERANK_PROVIDER", false},
	{"RERANK_MODEL", false},
	{"RERANK_API_KEY", true},
	{"EVIDEX_API_KEY", true},
	{"LOG_LEVEL", false},
	{"LOG_FORMAT", false},
	{"LANGFUSE_PUBLIC_KEY", true},
	{"LANGFUSE_SECRET_KEY", true},
}

// SanitiseKey returns "set" or "unset" for known secret keys, or the actual
// value for non-secret keys. This is safe to use in log messages.
func SanitiseKey(key, value string) string {
	if secretEnvKeys[key] {
		return presence(value)
	}
	return valOrUnset(value)
}

// presence returns "set" if the value is non-empty, "unset" otherwise.
func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// valOrUnset returns the value if non-empty, "unset" otherwise.
func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitiseConfigPath returns the config path or "none" if empty.
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	// Redact home directory for privacy in logs.
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
