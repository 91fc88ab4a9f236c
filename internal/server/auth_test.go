package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/54b3r/evidex-go/internal/logging"
)

// ---------------------------------------------------------------------------
// authMiddleware
// ---------------------------------------------------------------------------

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	const (
		missing = `Bearer realm="evidex"`
		invalid = `Bearer realm="evidex", error="invalid_token"`
	)
	tests := []struct {
		name          string
		apiKey        string
		header        string
		wantStatus    int
		wantChallenge string
		wantError     string
	}{
		{name: "auth disabled", apiKey: "", wantStatus: http.StatusOK},
		{name: "auth disabled ignores header", apiKey: "", header: "Bearer anything", wantStatus: http.StatusOK},
		{name: "valid token", apiKey: "s3cret", header: "Bearer s3cret", wantStatus: http.StatusOK},
		{name: "lowercase scheme", apiKey: "s3cret", header: "bearer s3cret", wantStatus: http.StatusOK},
		{name: "no header", apiKey: "s3cret", wantStatus: http.StatusUnauthorized, wantChallenge: missing, wantError: "authorization required"},
		{name: "basic scheme", apiKey: "s3cret", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized, wantChallenge: missing, wantError: "authorization required"},
		{name: "empty bearer", apiKey: "s3cret", header: "Bearer ", wantStatus: http.StatusUnauthorized, wantChallenge: missing, wantError: "authorization required"},
		{name: "wrong token", apiKey: "s3cret", header: "Bearer s3cre", wantStatus: http.StatusUnauthorized, wantChallenge: invalid, wantError: "invalid token"},
		{name: "token with suffix", apiKey: "s3cret", header: "Bearer s3cret-extra", wantStatus: http.StatusUnauthorized, wantChallenge: invalid, wantError: "invalid token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/api/search", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			authMiddleware(tc.apiKey, okHandler).ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if got := w.Header().Get("WWW-Authenticate"); got != tc.wantChallenge {
				t.Errorf("WWW-Authenticate = %q, want %q", got, tc.wantChallenge)
			}
			if tc.wantStatus == http.StatusOK {
				return
			}

			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			resp := decodeBody[errorResponse](t, w)
			if resp.Kind != "unauthorized" || resp.Error != tc.wantError || resp.Result != nil {
				t.Errorf("body = %+v", resp)
			}
		})
	}
}

func TestAuthMiddleware_TokenNeverLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logging.NewWriter(&buf, "debug", "json")

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req = req.WithContext(logging.WithLogger(req.Context(), log))
	req.Header.Set("Authorization", "Bearer leaked-credential")
	w := httptest.NewRecorder()
	authMiddleware("s3cret", okHandler).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	out := buf.String()
	if !strings.Contains(out, "auth: request rejected") || !strings.Contains(out, `"token_present":true`) {
		t.Errorf("rejection not logged: %s", out)
	}
	if strings.Contains(out, "leaked-credential") || strings.Contains(out, "s3cret") {
		t.Errorf("credential leaked into log: %s", out)
	}
}

// ---------------------------------------------------------------------------
// bearerToken
// ---------------------------------------------------------------------------

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
	}{
		{"Bearer tok-1", "tok-1"},
		{"BEARER tok-1", "tok-1"},
		{"Bearer   padded  ", "padded"},
		{"Bearer", ""},
		{"Token tok-1", ""},
		{"", ""},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
