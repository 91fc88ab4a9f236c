// Package tracing wires optional Langfuse tracing into eino callbacks.
// Retrievals served through the eino retriever adapter, and re-ranking
// model calls, are traced once a handler is installed.
package tracing

import (
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/version"
)

// DefaultHost is used when LANGFUSE_HOST is unset.
const DefaultHost = "http://localhost:3000"

// Config holds Langfuse credentials.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
}

// Enabled reports whether both keys are set.
func (c Config) Enabled() bool { return c.PublicKey != "" && c.SecretKey != "" }

// ConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func ConfigFromEnv() Config {
	host := os.Getenv("LANGFUSE_HOST")
	if host == "" {
		host = DefaultHost
	}
	return Config{
		Host:      host,
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
}

// Setup builds the Langfuse callback handler. It returns a flush function
// that must be called before process exit to ensure all traces are sent.
// If Langfuse is not configured, both return values are nil and the bool
// is false.
func Setup(cfg Config) (callbacks.Handler, func(), bool) {
	if !cfg.Enabled() {
		return nil, nil, false
	}
	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      "evidex",
		Release:   version.Version,
	})
	return handler, flusher, true
}

// Install registers the handler globally when tracing is configured and
// returns its flush function, which is a no-op otherwise.
func Install(cfg Config, log *slog.Logger) func() {
	log = logging.Component(log, "tracing")
	handler, flush, ok := Setup(cfg)
	if !ok {
		log.Debug("langfuse tracing disabled")
		return func() {}
	}
	callbacks.AppendGlobalHandlers(handler)
	log.Info("langfuse tracing enabled", slog.String("host", cfg.Host))
	return flush
}
