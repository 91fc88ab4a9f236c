package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/retry"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

// fakeProvider returns deterministic vectors. errFor, when set, may fail a
// call; call numbers start at 1.
type fakeProvider struct {
	dims   int
	errFor func(call int, texts []string) error
	// honourCtx fails a call whose context has ended by the time it returns.
	honourCtx bool

	mu      sync.Mutex
	calls   int
	batches [][]string
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()

	if f.errFor != nil {
		if err := f.errFor(call, texts); err != nil {
			return nil, err
		}
	}
	if f.honourCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dims)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestClient(t *testing.T, p *fakeProvider, mutate func(*Config)) (*Client, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := Config{
		Provider:          p,
		ProviderName:      "fake",
		Model:             "fake-embed",
		Dimensions:        p.dims,
		RequestsPerMinute: 600_000,
		QueueWait:         time.Second,
		Retry: retry.Policy{
			MaxRetries: 3,
			Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
		Registerer: reg,
		Logger:     logging.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, reg
}

func makeChunks(n int) []rag.Chunk {
	chunks := make([]rag.Chunk, n)
	for i := range chunks {
		text := fmt.Sprintf("chunk number %d", i)
		chunks[i] = rag.Chunk{ID: fmt.Sprintf("c-%02d", i), SequenceIndex: i, Text: text, TokenCount: 3}
	}
	return chunks
}

// ---------------------------------------------------------------------------
// batching
// ---------------------------------------------------------------------------

func TestEmbedChunks_BatchesByCount(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 4}
	c, _ := newTestClient(t, p, nil)
	chunks := makeChunks(25)

	results := c.EmbedChunks(context.Background(), chunks)
	if len(results) != 3 {
		t.Fatalf("want 3 batches, got %d", len(results))
	}
	sizes := []int{10, 10, 5}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("batch %d failed: %v", i, r.Err)
		}
		if len(r.Embeddings) != sizes[i] {
			t.Errorf("batch %d: %d embeddings, want %d", i, len(r.Embeddings), sizes[i])
		}
		for j, e := range r.Embeddings {
			ch := chunks[r.Start+j]
			if e.ChunkID != ch.ID || e.Model != "fake-embed" || e.Dimension != 4 {
				t.Errorf("batch %d item %d: %+v", i, j, e)
			}
			if e.Vector[0] != float32(len(ch.Text)) {
				t.Errorf("batch %d item %d: vector not parallel to input", i, j)
			}
		}
	}
	if p.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", p.callCount())
	}
}

func TestEmbedChunks_BatchesByTokenBudget(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 2}
	c, _ := newTestClient(t, p, func(cfg *Config) { cfg.TokensPerRequest = 100 })
	chunks := makeChunks(3)
	for i := range chunks {
		chunks[i].TokenCount = 60
	}

	results := c.EmbedChunks(context.Background(), chunks)
	if len(results) != 3 {
		t.Fatalf("want one batch per chunk, got %d", len(results))
	}
}

// ---------------------------------------------------------------------------
// retries and failures
// ---------------------------------------------------------------------------

func TestEmbedChunks_RecoversFromRateLimiting(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 2, errFor: func(call int, _ []string) error {
		if call <= 3 {
			return &StatusError{Provider: "fake", Code: 429, Message: "slow down", After: time.Millisecond}
		}
		return nil
	}}
	c, reg := newTestClient(t, p, nil)

	results := c.EmbedChunks(context.Background(), makeChunks(1))
	if results[0].Err != nil {
		t.Fatalf("want success within retry budget, got %v", results[0].Err)
	}
	if p.callCount() != 4 {
		t.Errorf("provider calls = %d, want 4", p.callCount())
	}
	if got := testutil.ToFloat64(c.metrics.retries); got != 3 {
		t.Errorf("retries metric = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.metrics.rateLimited); got != 3 {
		t.Errorf("rate limited metric = %v, want 3", got)
	}
	if n, err := testutil.GatherAndCount(reg, "evidex_embedding_batches_total"); err != nil || n != 1 {
		t.Errorf("batches_total series = %d (%v), want 1", n, err)
	}
}

func TestEmbedChunks_FailedBatchDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 2, errFor: func(_ int, texts []string) error {
		if strings.HasSuffix(texts[0], " 10") {
			return &StatusError{Provider: "fake", Code: 400, Message: "input too long"}
		}
		return nil
	}}
	c, _ := newTestClient(t, p, nil)

	results := c.EmbedChunks(context.Background(), makeChunks(25))
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("batches 0 and 2 should succeed: %v / %v", results[0].Err, results[2].Err)
	}
	bad := results[1].Err
	if bad == nil {
		t.Fatal("batch 1 should fail")
	}
	if bad.BatchIndex != 1 || bad.Attempts != 1 || bad.Retryable {
		t.Errorf("unexpected error detail: %+v", bad)
	}
	if results[1].Embeddings != nil {
		t.Error("failed batch must not carry embeddings")
	}
	var se *StatusError
	if !errors.As(bad, &se) || se.Code != 400 {
		t.Errorf("cause not preserved: %v", bad)
	}
}

func TestEmbedChunks_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 2, errFor: func(int, []string) error {
		return &StatusError{Provider: "fake", Code: 503, Message: "unavailable"}
	}}
	c, _ := newTestClient(t, p, func(cfg *Config) { cfg.Retry.MaxRetries = 2 })

	results := c.EmbedChunks(context.Background(), makeChunks(1))
	e := results[0].Err
	if e == nil || e.Attempts != 3 || !e.Retryable {
		t.Fatalf("want retryable failure after 3 attempts, got %+v", e)
	}
}

func TestEmbedChunks_DimensionMismatchIsPermanent(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 3}
	c, _ := newTestClient(t, p, func(cfg *Config) { cfg.Dimensions = 8 })

	results := c.EmbedChunks(context.Background(), makeChunks(2))
	e := results[0].Err
	var de *DimensionError
	if e == nil || !errors.As(e, &de) {
		t.Fatalf("want DimensionError, got %v", e)
	}
	if e.Attempts != 1 || e.Retryable {
		t.Errorf("dimension mismatch must not be retried: %+v", e)
	}
	if de.Want != 8 || de.Got != 3 {
		t.Errorf("unexpected detail: %+v", de)
	}
}

func TestEmbedChunks_CancelledStartsNoBatch(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 2}
	c, _ := newTestClient(t, p, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := c.EmbedChunks(ctx, makeChunks(15))
	for i, r := range results {
		if r.Err == nil || r.Err.Attempts != 0 || r.Err.BatchIndex != i {
			t.Errorf("batch %d: want unstarted error, got %+v", i, r.Err)
		}
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times after cancellation", p.callCount())
	}
}

func TestEmbedChunks_InFlightBatchCompletesAfterCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakeProvider{dims: 2, honourCtx: true, errFor: func(call int, _ []string) error {
		if call == 1 {
			cancel() // caller gives up while the first batch is in flight
		}
		return nil
	}}
	c, _ := newTestClient(t, p, nil)

	results := c.EmbedChunks(ctx, makeChunks(25))
	if len(results) != 3 {
		t.Fatalf("want 3 batches, got %d", len(results))
	}
	if results[0].Err != nil || len(results[0].Embeddings) != 10 {
		t.Errorf("in-flight batch should complete, got %+v", results[0].Err)
	}
	for _, r := range results[1:] {
		if r.Err == nil || r.Err.Attempts != 0 {
			t.Errorf("batch %d should not start after cancel, got %+v", r.Index, r.Err)
		}
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
}

func TestEmbed_QueueWaitIsBounded(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 2}
	c, _ := newTestClient(t, p, func(cfg *Config) {
		cfg.RequestsPerMinute = 1
		cfg.QueueWait = 20 * time.Millisecond
		cfg.Retry.MaxRetries = 0
	})

	if _, err := c.Embed(context.Background(), []string{"first"}); err != nil {
		t.Fatalf("first call should use the burst slot: %v", err)
	}
	start := time.Now()
	_, err := c.Embed(context.Background(), []string{"second"})
	var ee *rag.EmbeddingError
	if !errors.As(err, &ee) || !ee.Retryable {
		t.Fatalf("want retryable EmbeddingError, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("queue wait not bounded: %v", time.Since(start))
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
	if got := testutil.ToFloat64(c.metrics.queueTimeouts); got != 1 {
		t.Errorf("queue timeouts = %v, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// query cache
// ---------------------------------------------------------------------------

func TestEmbedQuery_Cache(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 3}
	c, _ := newTestClient(t, p, nil)
	ctx := context.Background()

	v1, err := c.EmbedQuery(ctx, "access review evidence")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	v1[1] = 42 // callers may mutate their copy

	v2, err := c.EmbedQuery(ctx, "access review evidence")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (second lookup cached)", p.callCount())
	}
	if v2[1] != 0 {
		t.Error("cached vector was mutated through a returned slice")
	}
	if got := testutil.ToFloat64(c.metrics.cacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}

	if _, err := c.EmbedQuery(ctx, "different text"); err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.callCount())
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Dimensions: 3}); err == nil {
		t.Error("missing provider should fail")
	}
	if _, err := New(Config{Provider: &fakeProvider{}, Dimensions: 0}); err == nil {
		t.Error("zero dimensions should fail")
	}
}

func TestEinoEmbedder_EmbedStrings(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{dims: 2}
	c, _ := newTestClient(t, p, func(cfg *Config) { cfg.BatchSize = 2 })
	e := NewEinoEmbedder(c)

	out, err := e.EmbedStrings(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedStrings: %v", err)
	}
	if len(out) != 3 || out[2][0] != 3 {
		t.Errorf("unexpected output: %v", out)
	}
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.callCount())
	}
}
