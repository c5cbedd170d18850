// Package anyllm provides a reply.Generator backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more.
//
// The backend is selected by name from configuration, so a deployment can
// move its general reply traffic between vendors without a rebuild:
//
//	g, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/leadline-voice/leadline/pkg/provider/reply"
)

// Compile-time assertion that Provider satisfies the reply interface.
var _ reply.Generator = (*Provider)(nil)

// Provider implements reply.Generator by wrapping any-llm-go.
type Provider struct {
	backend   anyllmlib.Provider
	backendID string
	model     string
	maxTokens int
}

// New creates a Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the backend falls back
// to its usual environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// and so on).
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{
		backend:   backend,
		backendID: strings.ToLower(providerName),
		model:     model,
		maxTokens: reply.DefaultMaxTokens,
	}, nil
}

// WithMaxTokens overrides the reply length bound and returns the provider
// for chaining.
func (p *Provider) WithMaxTokens(n int) *Provider {
	p.maxTokens = n
	return p
}

// createBackend creates the underlying any-llm-go provider for the given
// provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// buildParams assembles the two-message completion request.
func (p *Provider) buildParams(instructions, userText string) anyllmlib.CompletionParams {
	maxTokens := p.maxTokens
	return anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: instructions},
			{Role: anyllmlib.RoleUser, Content: userText},
		},
		MaxTokens: &maxTokens,
	}
}

// Generate sends a two-message completion (system + user) and returns the
// assistant text.
func (p *Provider) Generate(ctx context.Context, instructions, userText string) (string, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(instructions, userText))
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if text == "" {
		return "", fmt.Errorf("anyllm: empty reply text")
	}
	return text, nil
}

// Name identifies this backend in logs, including the wrapped vendor.
func (p *Provider) Name() string { return "anyllm/" + p.backendID }
