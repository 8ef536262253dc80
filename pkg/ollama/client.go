// Package ollama is a minimal client for a local Ollama server, covering
// the generate and tags endpoints used by the extraction pipeline.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2"

	defaultMaxRetries = 3
	initialBackoff    = 500 * time.Millisecond
)

// ErrModelNotFound is returned by HealthCheck when the server is reachable
// but the configured model is not installed.
var ErrModelNotFound = eris.New("ollama: model not found")

// Client defines the Ollama API operations used by the pipeline.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	// HealthCheck verifies that the server answers and the client's
	// configured model is installed.
	HealthCheck(ctx context.Context) error
}

// GenerateRequest is the request body for POST /api/generate.
type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
}

// Options carries per-request model parameters.
type Options struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// GenerateResponse is the non-streaming response from POST /api/generate.
type GenerateResponse struct {
	Model         string `json:"model"`
	CreatedAt     string `json:"created_at"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	TotalDuration int64  `json:"total_duration"`
	EvalCount     int    `json:"eval_count"`
}

// tagsResponse is the response from GET /api/tags.
type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes a model installed on the server.
type ModelInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Size  int64  `json:"size"`
}

// StatusError is returned for non-2xx responses so callers can map the
// status to a retry class.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default server URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit throttles Generate calls to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithMaxRetries sets how many times a failed connection attempt is retried.
func WithMaxRetries(n int) Option {
	return func(c *httpClient) {
		c.maxRetries = n
	}
}

type httpClient struct {
	baseURL    string
	model      string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewClient creates an Ollama client for a local or remote server.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		maxRetries: defaultMaxRetries,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	// Streaming is handled at a higher layer; the wire call is always
	// a single response.
	req.Stream = false

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ollama: rate limit wait")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: marshal request")
	}

	var result GenerateResponse
	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		err = c.doGenerate(ctx, body, &result)
		if err == nil {
			return &result, nil
		}
		if attempt >= c.maxRetries || ctx.Err() != nil || !retryableConnection(err) {
			return nil, err
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "ollama: generate")
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
}

func (c *httpClient) doGenerate(ctx context.Context, body []byte, result *GenerateResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "ollama: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return eris.Wrap(err, "ollama: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "ollama: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return eris.Wrap(&StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}, "ollama: generate")
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return eris.Wrap(err, "ollama: unmarshal response")
	}
	return nil
}

// retryableConnection reports whether the error is a connection-class
// failure worth retrying in place. HTTP status errors, timeouts and
// malformed responses are never retried here; the caller's recovery layer
// owns those classes and applies its own per-class budget.
func retryableConnection(err error) bool {
	var se *StatusError
	if eris.As(err, &se) {
		return false
	}
	var ne net.Error
	if eris.As(err, &ne) && ne.Timeout() {
		return false
	}
	var ue *url.Error
	return eris.As(err, &ue)
}

func (c *httpClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: create request")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}, "ollama: list models")
	}

	var tags tagsResponse
	if err := json.Unmarshal(respBody, &tags); err != nil {
		return nil, eris.Wrap(err, "ollama: unmarshal response")
	}
	return tags.Models, nil
}

func (c *httpClient) HealthCheck(ctx context.Context) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m.Name == c.model || m.Model == c.model {
			return nil
		}
	}
	return eris.Wrapf(ErrModelNotFound, "ollama: %q not installed", c.model)
}
