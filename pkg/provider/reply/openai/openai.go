// Package openai provides a reply.Generator backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/leadline-voice/leadline/pkg/provider/reply"
)

// Compile-time assertion that Provider satisfies the reply interface.
var _ reply.Generator = (*Provider)(nil)

// Provider implements reply.Generator using the OpenAI API.
type Provider struct {
	client      oai.Client
	model       string
	maxTokens   int
	temperature float64
}

// config holds optional configuration for the provider.
type config struct {
	baseURL     string
	timeout     time.Duration
	maxTokens   int
	temperature float64
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxTokens overrides the reply length bound.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(c *config) { c.temperature = temp }
}

// New constructs a new OpenAI reply Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai reply: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai reply: model must not be empty")
	}

	cfg := &config{maxTokens: reply.DefaultMaxTokens}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		maxTokens:   cfg.maxTokens,
		temperature: cfg.temperature,
	}, nil
}

// Generate sends a two-message completion (system + user) and returns the
// assistant text.
func (p *Provider) Generate(ctx context.Context, instructions, userText string) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(instructions),
			oai.UserMessage(userText),
		},
		MaxCompletionTokens: param.NewOpt(int64(p.maxTokens)),
	}
	if p.temperature != 0 {
		params.Temperature = param.NewOpt(p.temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai reply: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai reply: empty choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("openai reply: empty reply text")
	}
	return text, nil
}

// Name identifies this backend in logs.
func (p *Provider) Name() string { return "openai" }
