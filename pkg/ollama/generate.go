package ollama

import (
	"context"
	"errors"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
)

const (
	// DefaultChatModel is the generation model used for answers.
	DefaultChatModel = "mistral"
	// DefaultGenerateTimeout bounds a single generation call.
	DefaultGenerateTimeout = 120 * time.Second
)

// Sampling holds the generation parameters forwarded as Ollama options.
type Sampling struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// DefaultSampling keeps answers close to the retrieved abstracts.
var DefaultSampling = Sampling{Temperature: 0.3, TopP: 0.9, NumPredict: 1024}

// GenerateClient produces a completion for a prompt.
type GenerateClient struct {
	*client
	model    string
	sampling Sampling
}

// NewGenerateClient creates an Ollama generation client.
func NewGenerateClient(baseURL, model string, sampling Sampling, opts ...Option) *GenerateClient {
	return &GenerateClient{
		client:   newClient(baseURL, DefaultGenerateTimeout, opts),
		model:    model,
		sampling: sampling,
	}
}

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options Sampling `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate returns the model's completion for prompt. An error field in an
// otherwise successful reply is reported as a malformed response.
func (c *GenerateClient) Generate(ctx context.Context, prompt string) (string, error) {
	req := generateRequest{Model: c.model, Prompt: prompt, Stream: false, Options: c.sampling}
	var result generateResponse
	if err := c.postJSON(ctx, "generate", apiPathGenerate, req, &result); err != nil {
		return "", err
	}
	if result.Error != "" {
		return "", domain.Malformed(serviceName, "generate", errors.New(result.Error))
	}
	return result.Response, nil
}

// Model returns the generation model name.
func (c *GenerateClient) Model() string { return c.model }
