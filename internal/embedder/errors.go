package embedder

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError is a non-2xx response from an embedding provider.
type StatusError struct {
	// Provider is the backend that returned the error (e.g. "openai").
	Provider string
	// Code is the HTTP status code.
	Code int
	// Message is the provider's error message, or the status text.
	Message string
	// After is the Retry-After hint, zero when absent.
	After time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s embedder: HTTP %d: %s", e.Provider, e.Code, e.Message)
}

// Retryable reports whether the status is transient: 408, 429 or any 5xx.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= 500
}

// RetryAfter returns the provider's requested minimum wait.
func (e *StatusError) RetryAfter() time.Duration { return e.After }

// newStatusError builds a StatusError from resp. msg may be empty.
func newStatusError(provider string, resp *http.Response, msg string) *StatusError {
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{
		Provider: provider,
		Code:     resp.StatusCode,
		Message:  msg,
		After:    parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// DimensionError reports a vector whose length differs from the configured
// dimension. It is never retried.
type DimensionError struct {
	Index int
	Want  int
	Got   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedder: vector %d has dimension %d, want %d", e.Index, e.Got, e.Want)
}

// Retryable is always false: the same model returns the same size.
func (e *DimensionError) Retryable() bool { return false }

// queueTimeoutError is returned when a batch waited too long for a rate
// limiter slot. A later attempt may get one.
type queueTimeoutError struct {
	wait time.Duration
}

func (e *queueTimeoutError) Error() string {
	return fmt.Sprintf("embedder: no rate limit slot within %s", e.wait)
}

func (e *queueTimeoutError) Retryable() bool { return true }
