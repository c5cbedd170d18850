// Package hebrew provides a reply.Generator backed by a dedicated
// Hebrew-optimized completion endpoint.
//
// The endpoint speaks a minimal JSON contract: POST {instructions, input,
// max_tokens}, answer {text}. It is typically a regional deployment tuned
// for Hebrew conversational quality and lower round-trip latency than the
// general-purpose backends, so it runs first in the fallback chain when
// configured.
package hebrew

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/leadline-voice/leadline/pkg/provider/reply"
)

// Compile-time assertion that Provider satisfies the reply interface.
var _ reply.Generator = (*Provider)(nil)

// maxErrorBody bounds how much of a failed response is read for the error
// message.
const maxErrorBody = 4 << 10

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithAPIKey sets a bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithMaxTokens overrides the reply length bound.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// Provider implements reply.Generator against a Hebrew completion endpoint.
type Provider struct {
	endpoint   string
	apiKey     string
	maxTokens  int
	httpClient *http.Client
}

// New creates a Provider for the given endpoint URL. endpoint must be
// non-empty; deployments without a Hebrew endpoint simply leave this
// backend out of the chain.
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("hebrew: endpoint must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		maxTokens:  reply.DefaultMaxTokens,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// generateRequest is the JSON body of a completion request.
type generateRequest struct {
	Instructions string `json:"instructions"`
	Input        string `json:"input"`
	MaxTokens    int    `json:"max_tokens"`
}

// generateResponse is the endpoint's answer.
type generateResponse struct {
	Text string `json:"text"`
}

// Generate posts the utterance and returns the endpoint's reply text.
func (p *Provider) Generate(ctx context.Context, instructions, userText string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Instructions: instructions,
		Input:        userText,
		MaxTokens:    p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("hebrew: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("hebrew: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("hebrew: generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("hebrew: generate: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("hebrew: decode response: %w", err)
	}

	text := strings.TrimSpace(gr.Text)
	if text == "" {
		return "", errors.New("hebrew: empty reply text")
	}
	return text, nil
}

// Name identifies this backend in logs.
func (p *Provider) Name() string { return "hebrew" }
