// Package provider constructs the chat model used by semantic re-ranking.
// Supported backends: Ollama, OpenAI, Azure OpenAI, Google Gemini and
// Volcengine Ark, all through eino-ext model components.
package provider

import (
	"errors"
	"fmt"
)

// Backend enumerates the supported chat model providers.
type Backend string

const (
	// BackendNone disables re-ranking.
	BackendNone Backend = "none"
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
	// BackendArk selects a Volcengine Ark endpoint.
	BackendArk Backend = "ark"
)

// ErrNotConfigured is returned by NewFromEnv when RERANK_PROVIDER is unset
// or "none".
var ErrNotConfigured = errors.New("provider: re-ranking model not configured")

// Config holds the chat model settings resolved from the environment or
// supplied by the caller.
type Config struct {
	Backend Backend

	// Model is the model name, or the deployment name for Azure.
	Model string

	// BaseURL overrides the default API endpoint. Required for Azure and Ark.
	BaseURL string

	APIKey string

	// AzureAPIVersion is the Azure OpenAI REST API version (Azure only).
	AzureAPIVersion string

	// MaxTokens caps the generated tokens per response. Scoring replies are
	// short, so the default is small.
	MaxTokens int

	// Temperature is kept at 0 for reproducible scores.
	Temperature float32
}

// Validate reports the first missing field for the selected backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		if c.Model == "" {
			return fmt.Errorf("provider: RERANK_MODEL is required for ollama backend")
		}
	case BackendOpenAI, BackendGemini:
		if c.APIKey == "" {
			return fmt.Errorf("provider: RERANK_API_KEY is required for %s backend", c.Backend)
		}
		if c.Model == "" {
			return fmt.Errorf("provider: RERANK_MODEL is required for %s backend", c.Backend)
		}
	case BackendAzure, BackendArk:
		if c.APIKey == "" {
			return fmt.Errorf("provider: RERANK_API_KEY is required for %s backend", c.Backend)
		}
		if c.BaseURL == "" {
			return fmt.Errorf("provider: RERANK_BASE_URL is required for %s backend", c.Backend)
		}
		if c.Model == "" {
			return fmt.Errorf("provider: RERANK_MODEL is required for %s backend", c.Backend)
		}
	case BackendNone, "":
		return ErrNotConfigured
	default:
		return fmt.Errorf("provider: unknown backend %q (valid: none, ollama, openai, azure, gemini, ark)", c.Backend)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("provider: max tokens must not be negative")
	}
	return nil
}
