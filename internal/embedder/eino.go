package embedder

import (
	"context"

	"github.com/cloudwego/eino/components/embedding"
)

// EinoEmbedder exposes a Client as an eino embedding.Embedder so it can be
// used as a node in eino graphs.
type EinoEmbedder struct {
	client *Client
}

var _ embedding.Embedder = (*EinoEmbedder)(nil)

// NewEinoEmbedder wraps c.
func NewEinoEmbedder(c *Client) *EinoEmbedder {
	return &EinoEmbedder{client: c}
}

// EmbedStrings embeds texts in batches planned like chunk ingestion.
func (e *EinoEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += e.client.batchSize {
		end := min(start+e.client.batchSize, len(texts))
		vecs, err := e.client.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		for _, v := range vecs {
			f := make([]float64, len(v))
			for i, x := range v {
				f[i] = float64(x)
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// GetType names the component in eino callbacks.
func (e *EinoEmbedder) GetType() string { return "Evidex" }
