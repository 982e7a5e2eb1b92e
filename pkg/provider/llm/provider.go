// Package llm defines the gateway contract for Large Language Model backends.
//
// A provider wraps a remote or local model API (a local Ollama instance, or a
// cloud provider fronted by any-llm-go) and exposes a single-completion
// interface for the responder stage. Streaming is deliberately absent: the
// pipeline synthesizes whole replies to speech, so partial text has no
// consumer.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import (
	"context"
	"errors"
)

// Options carries per-request generation parameters.
type Options struct {
	// Model overrides the provider's configured model when non-empty.
	Model string

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the
	// provider default.
	MaxTokens int

	// Stop lists sequences that terminate generation early.
	Stop []string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Generate submits prompt and returns the full completion text. An empty
	// completion with a nil error is a valid outcome; callers decide how to
	// handle it.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)

	// Health probes backend reachability. Implementations should keep this
	// cheap; it is called from readiness checks.
	Health(ctx context.Context) error

	// ListModels returns the model names the backend currently serves.
	ListModels(ctx context.Context) ([]string, error)
}

// ErrModelNotFound is returned when the requested model is absent from the
// backend and cannot be made available.
var ErrModelNotFound = errors.New("llm: model not found")

// PermanentError wraps a failure that retrying cannot fix (client-fault 4xx,
// malformed request, missing model). Consumers acknowledge the triggering
// record and emit nothing rather than retrying forever.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "llm: permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a [PermanentError]. Returns nil when err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) marks a
// non-retryable failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) || errors.Is(err, ErrModelNotFound)
}
