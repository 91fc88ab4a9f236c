package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/evidex-go/internal/logging"
)

// authMiddleware enforces Bearer token authentication on the evidence API.
// An empty apiKey disables it; New logs a single warning at startup in
// that case.
//
// Protected routes must supply:
//
//	Authorization: Bearer <apiKey>
//
// Failures get 401 with a WWW-Authenticate challenge. Tokens are compared
// in constant time and never logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token != "" && subtle.ConstantTimeCompare([]byte(token), want) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		challenge, msg := `Bearer realm="evidex"`, "authorization required"
		if token != "" {
			challenge, msg = `Bearer realm="evidex", error="invalid_token"`, "invalid token"
		}
		logging.FromContext(r.Context()).Warn("auth: request rejected",
			slog.String("path", r.URL.Path),
			slog.Bool("token_present", token != ""),
		)
		w.Header().Set("WWW-Authenticate", challenge)
		writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: msg, Kind: "unauthorized"})
	})
}

// bearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is absent or uses another scheme.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
