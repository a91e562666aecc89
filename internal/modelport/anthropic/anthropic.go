// Package anthropic implements cua.ModelPort against the Anthropic Messages
// API, streaming the response over SSE so a thinking-heavy turn doesn't sit
// behind one long-held connection, but collapsing the stream into a single
// cua.ModelResponse before returning — SamplingLoop only ever sees complete
// iterations.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onkernel/cua-agent"
)

const (
	defaultBaseURL    = "https://api.anthropic.com/v1"
	apiVersion        = "2023-06-01"
	interleavedBeta   = "interleaved-thinking-2025-05-14"
	defaultHTTPTimeout = 180 * time.Second
)

// Provider implements cua.ModelPort against the Anthropic Messages API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base, for testing against a local fake or an
// Anthropic-compatible proxy.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient overrides the http.Client, for testing.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New constructs a Provider that authenticates with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

// Invoke sends req as one Messages API call and waits for the full response.
func (p *Provider) Invoke(ctx context.Context, req cua.ModelRequest) (cua.ModelResponse, error) {
	body := buildRequestBody(req)

	respBody, err := p.doRequest(ctx, body)
	if err != nil {
		return cua.ModelResponse{}, err
	}
	defer respBody.Close()

	return parseStream(respBody)
}

func (p *Provider) doRequest(ctx context.Context, body map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if _, hasThinking := body["thinking"]; hasThinking {
		httpReq.Header.Set("anthropic-beta", interleavedBeta)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: %s: %s", resp.Status, string(raw))
	}
	return resp.Body, nil
}

// newLineScanner returns a bufio.Scanner sized for thinking-heavy SSE lines.
func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return s
}

var _ cua.ModelPort = (*Provider)(nil)
