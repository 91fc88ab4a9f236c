package retrieval

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/retriever"

	"github.com/54b3r/evidex-go/internal/rag"
)

func TestRetriever_Retrieve(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	mustIngest(t, h.c, doc("eng-1", "doc-1", threeChunks))
	r := NewRetriever(h.c, "eng-1")

	docs, err := r.Retrieve(context.Background(), "mfa enforced for admins",
		retriever.WithTopK(1), retriever.WithScoreThreshold(0))
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	d := docs[0]
	if d.ID != "doc-1#1" {
		t.Errorf("ID = %q", d.ID)
	}
	if d.MetaData[MetaDocumentName] != "doc-1.txt" || d.MetaData[MetaRank] != 1 || d.MetaData[MetaBackend] != "vector_search" {
		t.Errorf("metadata = %v", d.MetaData)
	}
	if d.Score() <= 0.99 {
		t.Errorf("score = %v", d.Score())
	}

	other, err := r.Retrieve(context.Background(), "mfa", retriever.WithIndex("eng-2"))
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("WithIndex should scope to another engagement, got %d docs", len(other))
	}
}

func TestRetriever_PropagatesErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if _, err := NewRetriever(h.c, "").Retrieve(context.Background(), "q"); err == nil {
		t.Error("expected validation error for a retriever without engagement")
	}
}

// recordingHandler captures the retriever callbacks of one query.
type recordingHandler struct {
	input  *retriever.CallbackInput
	output *retriever.CallbackOutput
	err    error
}

func (r *recordingHandler) handler() callbacks.Handler {
	return callbacks.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, _ *callbacks.RunInfo, in callbacks.CallbackInput) context.Context {
			r.input = retriever.ConvCallbackInput(in)
			return ctx
		}).
		OnEndFn(func(ctx context.Context, _ *callbacks.RunInfo, out callbacks.CallbackOutput) context.Context {
			r.output = retriever.ConvCallbackOutput(out)
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, _ *callbacks.RunInfo, err error) context.Context {
			r.err = err
			return ctx
		}).
		Build()
}

func TestQuery_EmitsRetrieverCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	mustIngest(t, h.c, doc("eng-1", "doc-1", threeChunks))

	rec := &recordingHandler{}
	ctx := callbacks.InitCallbacks(context.Background(), &callbacks.RunInfo{Name: "search"}, rec.handler())
	res, err := h.c.Query(ctx, rag.SearchQuery{EngagementID: "eng-1", QueryText: "mfa enforced for admins", TopK: ptr(2), ScoreThreshold: ptr(0.0)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if rec.input == nil || rec.input.Query != "mfa enforced for admins" || rec.input.TopK != 2 {
		t.Fatalf("start callback input = %+v", rec.input)
	}
	if rec.input.Extra[MetaEngagementID] != "eng-1" {
		t.Errorf("engagement missing from callback input: %v", rec.input.Extra)
	}
	if rec.output == nil || len(rec.output.Docs) != len(res.Citations) {
		t.Fatalf("end callback output = %+v, want %d docs", rec.output, len(res.Citations))
	}
	if rec.output.Docs[0].MetaData[MetaRank] != 1 {
		t.Errorf("first traced doc = %+v", rec.output.Docs[0])
	}
	if rec.err != nil {
		t.Errorf("unexpected error callback: %v", rec.err)
	}
}

func TestQuery_EmitsErrorCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := &recordingHandler{}
	ctx := callbacks.InitCallbacks(context.Background(), &callbacks.RunInfo{Name: "search"}, rec.handler())
	if _, err := h.c.Query(ctx, rag.SearchQuery{QueryText: "q"}); !rag.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !rag.IsValidation(rec.err) {
		t.Errorf("error callback = %v", rec.err)
	}
	if rec.output != nil {
		t.Error("end callback fired for a failed query")
	}
}
