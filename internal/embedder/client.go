package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/54b3r/evidex-go/internal/budget"
	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/retry"
)

const (
	defaultBatchSize        = 10
	defaultTokensPerRequest = 8000
	defaultRequestsPerMin   = 60
	defaultQueueWait        = 30 * time.Second
	defaultCacheSize        = 1024
	defaultCacheTTL         = 10 * time.Minute
	// defaultRateLimitPause applies when a 429 carries no Retry-After.
	defaultRateLimitPause = 5 * time.Second
)

// Config holds the settings for constructing a Client.
type Config struct {
	// Provider makes the actual embedding calls.
	Provider rag.Embedder
	// ProviderName labels metrics and logs (e.g. "openai").
	ProviderName string
	// Model is recorded on every rag.Embedding.
	Model string
	// Dimensions is the expected vector length. Required.
	Dimensions int

	// BatchSize caps the number of texts per provider call.
	BatchSize int
	// TokensPerRequest caps the estimated tokens per provider call.
	TokensPerRequest int
	// RequestsPerMinute is the process-wide provider call ceiling.
	RequestsPerMinute int
	// QueueWait bounds how long one call may wait for a rate limit slot.
	QueueWait time.Duration
	// Retry is the per-batch retry policy.
	Retry retry.Policy

	// CacheSize and CacheTTL size the query-embedding cache.
	CacheSize int
	CacheTTL  time.Duration

	// Registerer receives the client's metrics. nil uses a private registry.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Client embeds chunks and queries through one provider. All callers share
// a single rate limiter, so aggregate throughput never exceeds the ceiling
// no matter how many ingestion workers run. Safe for concurrent use.
type Client struct {
	provider         rag.Embedder
	providerName     string
	model            string
	dims             int
	batchSize        int
	tokensPerRequest int
	queueWait        time.Duration
	policy           retry.Policy
	limiter          *rate.Limiter
	cache            *expirable.LRU[string, []float32]
	metrics          *clientMetrics
	log              *slog.Logger

	// mu guards pauseUntil, set when the provider answers 429.
	mu         sync.Mutex
	pauseUntil time.Time
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Provider == nil {
		return nil, errors.New("embedder: provider is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedder: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.TokensPerRequest <= 0 {
		cfg.TokensPerRequest = defaultTokensPerRequest
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = defaultQueueWait
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "custom"
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Client{
		provider:         cfg.Provider,
		providerName:     cfg.ProviderName,
		model:            cfg.Model,
		dims:             cfg.Dimensions,
		batchSize:        cfg.BatchSize,
		tokensPerRequest: cfg.TokensPerRequest,
		queueWait:        cfg.QueueWait,
		policy:           cfg.Retry,
		limiter:          rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1),
		cache:            expirable.NewLRU[string, []float32](cfg.CacheSize, nil, cfg.CacheTTL),
		metrics:          newClientMetrics(reg),
		log:              logging.Component(cfg.Logger, "embedder"),
	}, nil
}

// Model returns the embedding model name.
func (c *Client) Model() string { return c.model }

// Dimensions returns the vector length every embedding has.
func (c *Client) Dimensions() int { return c.dims }

// BatchResult is the outcome of one provider batch.
type BatchResult struct {
	// Index is the batch's position in the plan.
	Index int
	// Start and End delimit the batch in the input chunk slice.
	Start, End int
	// Embeddings is parallel to chunks[Start:End]; nil when Err is set.
	Embeddings []rag.Embedding
	Err        *rag.EmbeddingError
}

// Plan splits chunks into provider batches by count and estimated tokens.
func (c *Client) Plan(chunks []rag.Chunk) []budget.Batch {
	costs := make([]int, len(chunks))
	for i, ch := range chunks {
		costs[i] = max(ch.TokenCount, budget.Estimate(ch.Text))
	}
	return budget.Plan(costs, c.batchSize, c.tokensPerRequest)
}

// EmbedChunks embeds chunks batch by batch in order. A failed batch does not
// stop later ones. Once ctx ends no new batch starts and no failed call is
// retried, but a provider call already in flight runs to completion so its
// result is not wasted. Unstarted batches are reported with a retryable
// EmbeddingError and zero attempts.
func (c *Client) EmbedChunks(ctx context.Context, chunks []rag.Chunk) []BatchResult {
	plan := c.Plan(chunks)
	results := make([]BatchResult, len(plan))
	for i, b := range plan {
		results[i] = BatchResult{Index: i, Start: b.Start, End: b.End}
		if err := ctx.Err(); err != nil {
			results[i].Err = &rag.EmbeddingError{BatchIndex: i, Retryable: true, Err: err}
			continue
		}

		texts := make([]string, 0, b.Len())
		for _, ch := range chunks[b.Start:b.End] {
			texts = append(texts, ch.Text)
		}
		vecs, embErr := c.embedBatch(ctx, i, texts, true)
		if embErr != nil {
			results[i].Err = embErr
			c.log.Warn("embedding batch failed",
				slog.Int("batch", i),
				slog.Int("attempts", embErr.Attempts),
				slog.Bool("retryable", embErr.Retryable),
				slog.String("error", embErr.Err.Error()),
			)
			continue
		}

		embs := make([]rag.Embedding, len(vecs))
		for j, v := range vecs {
			embs[j] = rag.Embedding{
				ChunkID:   chunks[b.Start+j].ID,
				Vector:    v,
				Model:     c.model,
				Dimension: c.dims,
			}
		}
		results[i].Embeddings = embs
	}
	return results
}

// EmbedQuery embeds a single query text, consulting the cache first.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		c.metrics.cacheLookups.WithLabelValues("hit").Inc()
		return slices.Clone(v), nil
	}
	c.metrics.cacheLookups.WithLabelValues("miss").Inc()

	vecs, embErr := c.embedBatch(ctx, 0, []string{text}, false)
	if embErr != nil {
		return nil, embErr
	}
	c.cache.Add(key, slices.Clone(vecs[0]))
	return vecs[0], nil
}

// Embed satisfies rag.Embedder: one batch, no cache, full retry policy.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, embErr := c.embedBatch(ctx, 0, texts, false)
	if embErr != nil {
		return nil, embErr
	}
	return vecs, nil
}

// embedBatch runs one batch under the retry policy. With detach set, the
// provider call ignores cancellation of ctx; queueing and retries still
// stop when ctx ends.
func (c *Client) embedBatch(ctx context.Context, index int, texts []string, detach bool) ([][]float32, *rag.EmbeddingError) {
	start := time.Now()
	var out [][]float32
	res := c.policy.Run(ctx, func(ctx context.Context) error {
		if err := c.acquire(ctx); err != nil {
			return err
		}
		callCtx := ctx
		if detach {
			callCtx = context.WithoutCancel(ctx)
		}
		vecs, err := c.provider.Embed(callCtx, texts)
		if err != nil {
			c.notePushback(err)
			return err
		}
		if err := c.checkDimensions(vecs, len(texts)); err != nil {
			return err
		}
		out = vecs
		return nil
	})

	c.metrics.batchDuration.WithLabelValues(string(res.Outcome)).Observe(time.Since(start).Seconds())
	c.metrics.batches.WithLabelValues(c.providerName, string(res.Outcome)).Inc()
	if res.Attempts > 1 {
		c.metrics.retries.Add(float64(res.Attempts - 1))
	}

	if res.Outcome == retry.Succeeded {
		return out, nil
	}
	return nil, &rag.EmbeddingError{
		BatchIndex: index,
		Attempts:   res.Attempts,
		Retryable:  retry.IsTransient(res.Err),
		Err:        res.Err,
	}
}

// acquire waits for a rate limiter slot, honouring any provider pushback,
// for at most queueWait.
func (c *Client) acquire(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, c.queueWait)
	defer cancel()

	c.mu.Lock()
	until := c.pauseUntil
	c.mu.Unlock()
	if d := time.Until(until); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-wctx.Done():
			t.Stop()
			return c.queueErr(ctx)
		case <-t.C:
		}
	}

	if err := c.limiter.Wait(wctx); err != nil {
		return c.queueErr(ctx)
	}
	return nil
}

func (c *Client) queueErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.metrics.queueTimeouts.Inc()
	return &queueTimeoutError{wait: c.queueWait}
}

// notePushback pauses every caller after a 429 so the shared budget backs
// off as a whole rather than per worker.
func (c *Client) notePushback(err error) {
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		return
	}
	pause := se.After
	if pause <= 0 {
		pause = defaultRateLimitPause
	}
	c.mu.Lock()
	if until := time.Now().Add(pause); until.After(c.pauseUntil) {
		c.pauseUntil = until
	}
	c.mu.Unlock()
	c.metrics.rateLimited.Inc()
}

func (c *Client) checkDimensions(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("embedder: expected %d vectors, got %d", want, len(vecs))
	}
	for i, v := range vecs {
		if len(v) != c.dims {
			return &DimensionError{Index: i, Want: c.dims, Got: len(v)}
		}
	}
	return nil
}

func (c *Client) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.model + ":" + hex.EncodeToString(sum[:])
}
