// Package mock provides a test double for the tts.Engine interface.
//
// Example:
//
//	e := &mock.Engine{Result: tts.Result{Audio: []byte("ID3..."), Format: "mp3"}}
//	res, err := e.Synthesize(ctx, "hello", "en", tts.VoiceOptions{})
package mock

import (
	"context"
	"sync"

	"github.com/ravenhq/ravenpipe/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text     string
	Language string
	Opts     tts.VoiceOptions
}

// Engine is a mock implementation of tts.Engine.
type Engine struct {
	mu sync.Mutex

	// EngineName is returned by Name. Defaults to "mock".
	EngineName string

	// Result is returned by Synthesize when Errs is exhausted.
	Result tts.Result

	// Errs are returned by successive Synthesize calls, in order. Once
	// consumed, Synthesize returns Result with a nil error.
	Errs []error

	// HealthErr is returned by Health.
	HealthErr error

	// SynthesizeCalls records all Synthesize invocations.
	SynthesizeCalls []SynthesizeCall
}

// Compile-time interface assertion.
var _ tts.Engine = (*Engine)(nil)

// Name implements tts.Engine.
func (e *Engine) Name() string {
	if e.EngineName == "" {
		return "mock"
	}
	return e.EngineName
}

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(_ context.Context, text, language string, opts tts.VoiceOptions) (tts.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.SynthesizeCalls = append(e.SynthesizeCalls, SynthesizeCall{Text: text, Language: language, Opts: opts})

	if len(e.Errs) > 0 {
		err := e.Errs[0]
		e.Errs = e.Errs[1:]
		if err != nil {
			return tts.Result{}, err
		}
	}
	return e.Result, nil
}

// Health implements tts.Engine.
func (e *Engine) Health(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.HealthErr
}

// CallCount returns the number of Synthesize invocations recorded so far.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.SynthesizeCalls)
}
