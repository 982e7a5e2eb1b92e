// Package espeak implements tts.Engine using a local espeak-ng binary. It is
// the fallback engine: lower quality than the networked backend, but it
// works without any network dependency.
//
// espeak-ng writes a RIFF/WAVE stream to stdout with --stdout; the engine
// captures it entirely in memory.
package espeak

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ravenhq/ravenpipe/pkg/audio"
	"github.com/ravenhq/ravenpipe/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Engine = (*Engine)(nil)

const (
	defaultBinary = "espeak-ng"

	// speech rates in words per minute.
	normalRate = 175
	slowRate   = 120
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithBinary overrides the espeak-ng binary path.
func WithBinary(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.binary = path
		}
	}
}

// Engine shells out to espeak-ng per synthesis call. Safe for concurrent use;
// each call runs its own process.
type Engine struct {
	binary string
}

// New creates an espeak-ng backed engine.
func New(opts ...Option) *Engine {
	e := &Engine{binary: defaultBinary}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return "espeak" }

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(ctx context.Context, text, language string, opts tts.VoiceOptions) (tts.Result, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Result{}, tts.ErrEmptyText
	}

	voice := opts.Voice
	if voice == "" {
		voice = language
	}
	if voice == "" {
		voice = "en"
	}
	rate := normalRate
	if opts.Slow {
		rate = slowRate
	}

	args := []string{
		"--stdout",
		"-v", voice,
		"-s", fmt.Sprint(rate),
		text,
	}

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return tts.Result{}, fmt.Errorf("espeak: run %s: %w (%s)", e.binary, err, strings.TrimSpace(stderr.String()))
	}

	blob := out.Bytes()
	if len(blob) == 0 {
		return tts.Result{}, tts.ErrNoAudio
	}
	if err := audio.Validate(blob); err != nil {
		return tts.Result{}, err
	}

	return tts.Result{
		Audio:     blob,
		Format:    "wav",
		DurationS: audio.EstimateDuration(blob, "wav"),
	}, nil
}

// Health implements tts.Engine by checking the binary resolves on PATH.
func (e *Engine) Health(context.Context) error {
	if _, err := exec.LookPath(e.binary); err != nil {
		return fmt.Errorf("espeak: binary %q not found: %w", e.binary, err)
	}
	return nil
}
