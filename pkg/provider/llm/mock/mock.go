// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled completions without a live
// backend. Response fields may be set freely before any method is called;
// mutating them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{GenerateResponse: "It is 3:30 PM."}
//	text, err := p.Generate(ctx, prompt, llm.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/ravenhq/ravenpipe/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Prompt is the prompt passed to Generate.
	Prompt string
	// Opts is the Options value passed to Generate.
	Opts llm.Options
}

// Provider is a mock implementation of llm.Provider. Zero values cause
// methods to return zero values and nil errors; set Err fields to inject
// failures.
type Provider struct {
	mu sync.Mutex

	// GenerateResponse is returned by Generate when GenerateErrs is
	// exhausted.
	GenerateResponse string

	// GenerateErrs are returned by successive Generate calls, in order.
	// Once consumed, Generate returns GenerateResponse with a nil error.
	GenerateErrs []error

	// HealthErr is returned by Health.
	HealthErr error

	// Models is returned by ListModels.
	Models []string

	// --- Recorded calls ---

	GenerateCalls []GenerateCall
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Generate implements llm.Provider.
func (p *Provider) Generate(_ context.Context, prompt string, opts llm.Options) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Prompt: prompt, Opts: opts})

	if len(p.GenerateErrs) > 0 {
		err := p.GenerateErrs[0]
		p.GenerateErrs = p.GenerateErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return p.GenerateResponse, nil
}

// Health implements llm.Provider.
func (p *Provider) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HealthErr
}

// ListModels implements llm.Provider.
func (p *Provider) ListModels(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Models, nil
}

// CallCount returns the number of Generate invocations recorded so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.GenerateCalls)
}
