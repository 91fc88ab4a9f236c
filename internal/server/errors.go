package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/retrieval"
)

// classify maps an engine error onto an HTTP status and error kind.
func classify(err error) (int, string) {
	switch {
	case rag.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case rag.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case rag.IsEmbedding(err):
		return http.StatusBadGateway, "embedding"
	case rag.IsUnavailable(err), errors.Is(err, retrieval.ErrShuttingDown):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

// writeError classifies err and writes it as an errorResponse. Internal
// errors are logged in full and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, err error, result *rag.IngestResult) {
	status, kind := classify(err)
	log := logging.FromContext(r.Context())
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", slog.Any("error", err))
		msg = "internal error"
	} else {
		log.Warn("request rejected", slog.String("kind", kind), slog.String("error", msg))
	}
	writeJSON(w, r, status, errorResponse{Error: msg, Kind: kind, Result: result})
}

// badRequest writes a 400 for malformed input that never reached the engine.
func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: msg, Kind: "validation"})
}
