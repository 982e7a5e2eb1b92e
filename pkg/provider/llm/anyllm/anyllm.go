// Package anyllm provides a cloud LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface over
// OpenAI, Anthropic, Gemini, DeepSeek, Mistral, Groq, and others.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
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
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/ravenhq/ravenpipe/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider by wrapping an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New creates a Provider for the named backend. providerName is one of
// "openai", "anthropic", "gemini", "deepseek", "mistral", "groq". Without an
// API key option the backend reads its usual environment variable
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, …).
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
	return &Provider{backend: backend, name: providerName, model: model}, nil
}

// createBackend instantiates the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, deepseek, mistral, groq", providerName)
	}
}

// Generate implements llm.Provider with a single-turn completion.
func (p *Provider) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	params := anyllmlib.CompletionParams{
		Model: model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleUser, Content: prompt},
		},
	}
	if opts.Temperature != 0 {
		t := opts.Temperature
		params.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		mt := opts.MaxTokens
		params.MaxTokens = &mt
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.ContentString()), nil
}

// Health implements llm.Provider. Cloud backends expose no dedicated probe;
// a configured backend is treated as reachable and real failures surface on
// the next Generate call.
func (p *Provider) Health(context.Context) error {
	if p.backend == nil {
		return fmt.Errorf("anyllm: %s backend not configured", p.name)
	}
	return nil
}

// ListModels implements llm.Provider. any-llm-go carries no catalogue
// endpoint, so only the configured model is reported.
func (p *Provider) ListModels(context.Context) ([]string, error) {
	return []string{p.model}, nil
}
