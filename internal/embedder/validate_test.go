package embedder

import (
	"testing"

	"github.com/54b3r/evidex-go/internal/logging"
)

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"text-embedding-3-large": false,
		"nomic-embed-text":       false,
		"text-embedding-004":     false,
		"gemini-embedding-001":   false,
		"gpt-4o":                 true,
		"llama3.1:8b":            true,
		"gemini-2.0-flash":       true,
	}
	for model, want := range cases {
		if got := looksLikeChatModel(model); got != want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", model, got, want)
		}
	}
}

// Validate reads process env, so these subtests run sequentially.
func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"openai without key", map[string]string{"EMBEDDING_PROVIDER": "openai"}, true},
		{"openai with key", map[string]string{"EMBEDDING_PROVIDER": "openai", "OPENAI_API_KEY": "sk"}, false},
		{"azure without endpoint", map[string]string{"EMBEDDING_PROVIDER": "azure", "EMBEDDING_API_KEY": "k"}, true},
		{"azure complete", map[string]string{"EMBEDDING_PROVIDER": "azure", "EMBEDDING_API_KEY": "k", "AZURE_OPENAI_ENDPOINT": "https://x"}, false},
		{"ollama needs nothing", map[string]string{"EMBEDDING_PROVIDER": "ollama"}, false},
		{"gemini without key", map[string]string{"EMBEDDING_PROVIDER": "gemini"}, true},
		{"unknown", map[string]string{"EMBEDDING_PROVIDER": "bedrock"}, true},
	}
	keys := []string{
		"EMBEDDING_PROVIDER", "EMBEDDING_API_KEY", "EMBEDDING_ENDPOINT", "EMBEDDING_MODEL",
		"OPENAI_API_KEY", "AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "GOOGLE_API_KEY",
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range keys {
				t.Setenv(k, "")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			err := Validate(logging.Discard())
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDefaultDimensions(t *testing.T) {
	t.Setenv("EMBEDDING_DIMENSIONS", "")
	if got := DefaultDimensions("openai"); got != 3072 {
		t.Errorf("openai: %d", got)
	}
	if got := DefaultDimensions("ollama"); got != 768 {
		t.Errorf("ollama: %d", got)
	}
	t.Setenv("EMBEDDING_DIMENSIONS", "256")
	if got := DefaultDimensions("openai"); got != 256 {
		t.Errorf("override: %d", got)
	}
}
