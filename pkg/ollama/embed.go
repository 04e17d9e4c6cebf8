package ollama

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
)

const (
	// DefaultEmbedModel is the embedding model used by the paper index.
	DefaultEmbedModel = "nomic-embed-text"
	// DefaultDimensions is the vector size produced by nomic-embed-text.
	DefaultDimensions = 768
	// DefaultEmbedTimeout bounds a single embedding call.
	DefaultEmbedTimeout = 30 * time.Second
)

// EmbedClient turns text into a fixed-length vector.
type EmbedClient struct {
	*client
	model string
	dims  int
}

// NewEmbedClient creates an Ollama embedding client. dims is the expected
// vector size; a reply of any other size is a malformed response. dims <= 0
// disables the check.
func NewEmbedClient(baseURL, model string, dims int, opts ...Option) *EmbedClient {
	return &EmbedClient{
		client: newClient(baseURL, DefaultEmbedTimeout, opts),
		model:  model,
		dims:   dims,
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResponse
	if err := c.postJSON(ctx, "embed", apiPathEmbeddings, embedRequest{Model: c.model, Prompt: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, domain.Malformed(serviceName, "embed", fmt.Errorf("empty embedding"))
	}
	if c.dims > 0 && len(result.Embedding) != c.dims {
		return nil, domain.Malformed(serviceName, "embed",
			fmt.Errorf("unexpected dimensions: got %d, want %d", len(result.Embedding), c.dims))
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Model returns the embedding model name.
func (c *EmbedClient) Model() string { return c.model }

// Dimensions returns the expected vector size.
func (c *EmbedClient) Dimensions() int { return c.dims }
