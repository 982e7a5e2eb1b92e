// Package ollama implements llm.Provider against a local Ollama server using
// the official API client.
//
// Beyond plain generation the provider handles model bootstrap: EnsureModel
// checks whether the configured model is present, pulls it when absent
// (logging streamed progress at a throttled rate), and verifies it with a
// short test generation. Readiness checks fail until bootstrap succeeds.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/ravenhq/ravenpipe/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 60 * time.Second

	// pullTimeout bounds a model download. Pulls stream progress for
	// minutes on cold pulls, so this is far above the request timeout.
	pullTimeout = 10 * time.Minute

	// pullLogEvery throttles download progress logging in quiet mode.
	pullLogEvery = 10
)

// Option is a functional option for configuring a [Provider].
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Default: 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// WithVerbosePull logs every streamed pull progress update instead of every
// tenth one.
func WithVerbosePull() Option {
	return func(p *Provider) {
		p.verbosePull = true
	}
}

// Provider implements llm.Provider backed by an Ollama server.
// Safe for concurrent use.
type Provider struct {
	client      *api.Client
	httpClient  *http.Client
	model       string
	verbosePull bool

	// ready flips to true once EnsureModel has verified the model.
	ready atomic.Bool
}

// New creates a Provider for the given Ollama base URL (empty means
// http://localhost:11434) and model name.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: parse base url %q: %w", baseURL, err)
	}

	p := &Provider{
		httpClient: &http.Client{Timeout: defaultTimeout},
		model:      model,
	}
	for _, o := range opts {
		o(p)
	}
	p.client = api.NewClient(u, p.httpClient)
	return p, nil
}

// Ready reports whether [Provider.EnsureModel] has completed successfully.
func (p *Provider) Ready() bool { return p.ready.Load() }

// EnsureModel makes the configured model available: it verifies presence,
// pulls the model when missing, and runs a short test generation. Call once
// at startup; a failed bootstrap should fail readiness.
func (p *Provider) EnsureModel(ctx context.Context) error {
	if err := p.Health(ctx); err != nil {
		return fmt.Errorf("ollama: backend unhealthy: %w", err)
	}

	available, err := p.hasModel(ctx)
	if err != nil {
		return err
	}
	if !available {
		slog.Info("model not present, pulling", "model", p.model)
		if err := p.pull(ctx); err != nil {
			return fmt.Errorf("%w: %q: %v", llm.ErrModelNotFound, p.model, err)
		}
	}

	// A tiny generation proves the model actually loads.
	if _, err := p.Generate(ctx, "Respond with the single word: ready", llm.Options{MaxTokens: 8}); err != nil {
		return fmt.Errorf("ollama: test generation: %w", err)
	}

	p.ready.Store(true)
	slog.Info("ollama model ready", "model", p.model)
	return nil
}

// Generate implements llm.Provider. 4xx responses from the server are
// classified as permanent.
func (p *Provider) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	reqOpts := map[string]any{}
	if opts.Temperature != 0 {
		reqOpts["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		reqOpts["num_predict"] = opts.MaxTokens
	}
	if len(opts.Stop) > 0 {
		reqOpts["stop"] = opts.Stop
	}

	stream := false
	req := &api.GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  &stream,
		Options: reqOpts,
	}

	var out strings.Builder
	err := p.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	return strings.TrimSpace(out.String()), nil
}

// Health implements llm.Provider using the server heartbeat endpoint.
func (p *Provider) Health(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama: heartbeat: %w", err)
	}
	return nil
}

// ListModels implements llm.Provider.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	resp, err := p.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// hasModel reports whether the configured model is already present.
func (p *Provider) hasModel(ctx context.Context) (bool, error) {
	names, err := p.ListModels(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, p.model), nil
}

// pull downloads the configured model, logging streamed progress. Status
// transitions always log; repeated download updates are throttled unless
// verbose pulling is enabled.
func (p *Provider) pull(ctx context.Context) error {
	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	var (
		lastStatus string
		updates    int
	)
	req := &api.PullRequest{Model: p.model}
	return p.client.Pull(pullCtx, req, func(resp api.ProgressResponse) error {
		switch {
		case resp.Status != lastStatus:
			slog.Info("model pull", "model", p.model, "status", resp.Status)
			lastStatus = resp.Status
		default:
			updates++
			if p.verbosePull || updates%pullLogEvery == 0 {
				slog.Info("model pull progress",
					"model", p.model,
					"status", resp.Status,
					"completed", resp.Completed,
					"total", resp.Total,
				)
			}
		}
		return nil
	})
}

// classify maps an Ollama client error to the pipeline's error taxonomy:
// 4xx status codes cannot be fixed by retrying.
func classify(err error) error {
	var se api.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		return llm.Permanent(fmt.Errorf("ollama: %s", se.Error()))
	}
	return fmt.Errorf("ollama: generate: %w", err)
}
