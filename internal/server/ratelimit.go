package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/54b3r/evidex-go/internal/logging"
)

const (
	// defaultRateLimit is the per-IP sustained rate (requests/second) when
	// none is configured.
	defaultRateLimit = 10
	// defaultRateBurst is the per-IP burst when none is configured.
	defaultRateBurst = 20
	// maxTrackedClients bounds the limiter table; the least recently seen
	// client is evicted first.
	maxTrackedClients = 10_000
	// idleClientTTL drops a client's bucket after this long without requests.
	idleClientTTL = 5 * time.Minute
)

// rateLimiter enforces a per-IP token-bucket rate limit. Buckets live in
// an expiring LRU so idle clients cost nothing.
type rateLimiter struct {
	// mu makes lookup-or-create atomic per IP.
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
	log      *slog.Logger
}

// newRateLimiter constructs a rateLimiter with the given per-IP token-bucket
// parameters.
func newRateLimiter(rps float64, burst int, log *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, idleClientTTL),
		rps:      rate.Limit(rps),
		burst:    burst,
		log:      log,
	}
}

// limiter returns the bucket for ip, creating it on first use. Get renews
// the entry's TTL, so active clients keep their bucket.
func (rl *rateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.limiters.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(rl.rps, rl.burst)
	rl.limiters.Add(ip, l)
	return l
}

// middleware rejects requests over the limit with 429 and a Retry-After
// header derived from the bucket's refill rate.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	retryAfter := "1"
	if rl.rps > 0 && rl.rps < 1 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / float64(rl.rps))))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.limiter(ip).Allow() {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", retryAfter)
			writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Kind: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the remote IP without its port. X-Forwarded-For is not
// trusted; put a proxy that rewrites RemoteAddr in front if needed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
