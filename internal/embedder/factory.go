package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/evidex-go/internal/config"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/retry"
)

// Default embedding models per provider.
const (
	defaultOpenAIModel = "text-embedding-3-large"
	defaultOllamaModel = "nomic-embed-text"
	defaultGeminiModel = "text-embedding-004"

	// defaultOpenAIDimensions is the output size of text-embedding-3-large.
	defaultOpenAIDimensions = 3072
	// defaultOllamaDimensions is the output size of nomic-embed-text.
	defaultOllamaDimensions = 768
	// defaultGeminiDimensions is the output size of text-embedding-004.
	defaultGeminiDimensions = 768

	defaultAzureAPIVersion = "2024-10-21"
)

// Info describes the resolved provider.
type Info struct {
	Provider   string
	Model      string
	Dimensions int
}

// DefaultDimensions returns the vector size for provider, honouring
// EMBEDDING_DIMENSIONS when set. Backends size their collections with it.
func DefaultDimensions(provider string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch provider {
	case "ollama":
		return defaultOllamaDimensions
	case "gemini":
		return defaultGeminiDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// NewFromEnv constructs the provider named by EMBEDDING_PROVIDER (default
// openai).
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER: openai, azure, ollama or gemini
//  2. EMBEDDING_MODEL overrides the provider's default model
//  3. EMBEDDING_API_KEY, then the provider's own key variable
//  4. EMBEDDING_ENDPOINT, then the provider's own endpoint variable
//  5. EMBEDDING_DIMENSIONS overrides the default dimensions
func NewFromEnv(ctx context.Context) (rag.Embedder, Info, error) {
	provider := getEnvOrDefault("EMBEDDING_PROVIDER", "openai")
	info := Info{Provider: provider, Dimensions: DefaultDimensions(provider)}

	switch provider {
	case "openai":
		apiKey := firstEnv("EMBEDDING_API_KEY", "OPENAI_API_KEY")
		if apiKey == "" {
			return nil, info, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		info.Model = getEnvOrDefault("EMBEDDING_MODEL", defaultOpenAIModel)
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    getEnvOrDefault("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:     apiKey,
			Model:      info.Model,
			Dimensions: info.Dimensions,
		}), info, nil

	case "azure":
		apiKey := firstEnv("EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY")
		if apiKey == "" {
			return nil, info, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := firstEnv("EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT")
		if endpoint == "" {
			return nil, info, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		info.Model = getEnvOrDefault("EMBEDDING_MODEL", defaultOpenAIModel)
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      info.Model,
			Dimensions: info.Dimensions,
			Azure:      true,
			APIVersion: getEnvOrDefault("EMBEDDING_API_VERSION", defaultAzureAPIVersion),
		}), info, nil

	case "ollama":
		info.Model = getEnvOrDefault("EMBEDDING_MODEL", defaultOllamaModel)
		host := firstEnv("EMBEDDING_ENDPOINT", "OLLAMA_HOST")
		if host == "" {
			host = "http://localhost:11434"
		}
		return NewOllamaEmbedder(&OllamaConfig{Host: host, Model: info.Model}), info, nil

	case "gemini":
		apiKey := firstEnv("EMBEDDING_API_KEY", "GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, info, fmt.Errorf("embedder: gemini requires GOOGLE_API_KEY or EMBEDDING_API_KEY")
		}
		info.Model = getEnvOrDefault("EMBEDDING_MODEL", defaultGeminiModel)
		g, err := NewGeminiEmbedder(ctx, &GeminiConfig{APIKey: apiKey, Model: info.Model, Dimensions: info.Dimensions})
		if err != nil {
			return nil, info, err
		}
		return g, info, nil

	default:
		return nil, info, fmt.Errorf("embedder: unknown provider %q, valid values: openai, azure, ollama, gemini", provider)
	}
}

// NewClientFromEnv builds the provider from env and wraps it in a Client
// configured by s.
func NewClientFromEnv(ctx context.Context, s *config.Settings, reg prometheus.Registerer, log *slog.Logger) (*Client, error) {
	p, info, err := NewFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	return New(Config{
		Provider:          p,
		ProviderName:      info.Provider,
		Model:             info.Model,
		Dimensions:        info.Dimensions,
		BatchSize:         s.BatchSize,
		TokensPerRequest:  s.TokensPerRequest,
		RequestsPerMinute: s.RateLimitRPM,
		QueueWait:         s.EmbedQueueWait,
		Retry:             retry.Policy{MaxRetries: s.EmbedMaxRetries},
		CacheSize:         getEnvInt("EMBEDDING_QUERY_CACHE_SIZE", 0),
		CacheTTL:          getEnvDuration("EMBEDDING_QUERY_CACHE_TTL"),
		Registerer:        reg,
		Logger:            log,
	})
}

// getEnvOrDefault returns the named variable, or fallback when unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// firstEnv returns the first non-empty variable among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// getEnvInt returns the integer value of key, or fallback if unset or not
// parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 0
}
