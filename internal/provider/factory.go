package provider

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"
)

// Defaults for the re-ranking model.
const (
	DefaultMaxTokens       = 512
	DefaultAzureAPIVersion = "2024-10-21"
)

// NewFromEnv constructs the re-ranking chat model from environment
// variables. It returns ErrNotConfigured when re-ranking has no provider.
//
// Environment variables:
//
//	RERANK_PROVIDER    = none | ollama | openai | azure | gemini | ark (default: none)
//	RERANK_MODEL       model name (Azure: deployment name)
//	RERANK_API_KEY     provider key (not used by Ollama)
//	RERANK_BASE_URL    endpoint override; required for azure and ark
//	RERANK_API_VERSION Azure REST API version (default: 2024-10-21)
//	RERANK_MAX_TOKENS  reply token cap (default: 512)
func NewFromEnv(ctx context.Context) (model.BaseChatModel, error) {
	return New(ctx, ConfigFromEnv())
}

// ConfigFromEnv resolves a Config from RERANK_* environment variables.
func ConfigFromEnv() *Config {
	return &Config{
		Backend:         Backend(getEnvOrDefault("RERANK_PROVIDER", string(BackendNone))),
		Model:           os.Getenv("RERANK_MODEL"),
		BaseURL:         os.Getenv("RERANK_BASE_URL"),
		APIKey:          os.Getenv("RERANK_API_KEY"),
		AzureAPIVersion: getEnvOrDefault("RERANK_API_VERSION", DefaultAzureAPIVersion),
		MaxTokens:       getEnvInt("RERANK_MAX_TOKENS", DefaultMaxTokens),
	}
}

// New constructs a chat model from an explicit Config. It validates the
// config first so misconfiguration fails at startup rather than on the first
// query.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		m   model.BaseChatModel
		err error
	)
	switch cfg.Backend {
	case BackendOllama:
		m, err = newOllama(ctx, cfg)
	case BackendOpenAI:
		m, err = newOpenAI(ctx, cfg)
	case BackendAzure:
		m, err = newAzure(ctx, cfg)
	case BackendGemini:
		m, err = newGemini(ctx, cfg)
	case BackendArk:
		m, err = newArk(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("provider: %s: %w", cfg.Backend, err)
	}
	return m, nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
