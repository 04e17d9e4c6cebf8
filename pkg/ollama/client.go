// Package ollama provides the embedding gateway and the text generation
// client, both backed by Ollama's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/pkg/resilience"
	"golang.org/x/time/rate"
)

const (
	// DefaultURL is the default Ollama API endpoint.
	DefaultURL = "http://localhost:11434"

	apiPathEmbeddings = "/api/embeddings"
	apiPathGenerate   = "/api/generate"
	apiPathTags       = "/api/tags"

	serviceName = "ollama"
)

// client holds the transport shared by the embed and generate clients.
type client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// Option configures an Ollama client.
type Option func(*client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

// WithTimeout bounds every call. Zero disables the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *client) { c.timeout = d }
}

// WithLimiter paces outgoing requests.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *client) { c.limiter = l }
}

// WithBreaker guards calls with a circuit breaker. An open breaker is
// reported as a transient failure.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *client) { c.breaker = b }
}

func newClient(baseURL string, defaultTimeout time.Duration, opts []Option) *client {
	c := &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// postJSON sends body to path and decodes a 200 response into out.
func (c *client) postJSON(ctx context.Context, op, path string, body, out any) error {
	call := func(ctx context.Context) error {
		return c.doPost(ctx, op, path, body, out)
	}
	if c.breaker == nil {
		return call(ctx)
	}
	err := c.breaker.Call(ctx, call)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return domain.Transient(serviceName, op, err)
	}
	return err
}

func (c *client) doPost(ctx context.Context, op, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Transient(serviceName, op, err)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ollama %s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ollama %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transient(serviceName, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Malformed(serviceName, op, fmt.Errorf("decode: %w", err))
	}
	return nil
}

// statusError classifies a non-200 response. Server-side and throttling
// failures are transient; anything else means the request or reply is wrong.
func statusError(op string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var cause error
	if msg := errorField(detail); msg != "" {
		cause = errors.New(msg)
	} else if len(detail) > 0 {
		cause = errors.New(strings.TrimSpace(string(detail)))
	}

	var se *domain.ServiceError
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		se = domain.Transient(serviceName, op, cause)
	} else {
		se = domain.Malformed(serviceName, op, cause)
	}
	se.Status = resp.StatusCode
	return se
}

func errorField(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	return e.Error
}

// Ping checks that Ollama is reachable.
func (c *client) Ping(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPathTags, nil)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transient(serviceName, "ping", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("ping", resp)
	}
	return nil
}
