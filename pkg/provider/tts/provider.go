// Package tts defines the gateway contract for Text-to-Speech backends.
//
// An Engine wraps one synthesis backend (a networked TTS server, or a local
// command-line synthesizer) and produces a complete audio blob per call.
// Synthesis is batch rather than streaming: replies are short, and the
// playback side needs whole blobs to base64-encode onto stream records.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"sync"
)

// VoiceOptions carries per-request synthesis parameters. The zero value asks
// for the engine's defaults.
type VoiceOptions struct {
	// Voice is an engine-specific voice identifier.
	Voice string

	// Slow requests a reduced speaking rate where the engine supports it.
	Slow bool
}

// Result is the outcome of a successful synthesis.
type Result struct {
	// Audio is the raw encoded blob, entirely in memory.
	Audio []byte

	// Format is the container format, "mp3" or "wav".
	Format string

	// DurationS is the estimated playback duration in seconds.
	DurationS float64
}

// Engine is the abstraction over any TTS backend.
type Engine interface {
	// Synthesize converts text in the given language (ISO 639-1 code) to an
	// audio blob. A zero-byte blob must be reported as an error, never as a
	// successful Result.
	Synthesize(ctx context.Context, text, language string, opts VoiceOptions) (Result, error)

	// Name identifies the engine in records and statistics.
	Name() string

	// Health probes backend availability.
	Health(ctx context.Context) error
}

// ErrEmptyText is returned when synthesis is requested for blank text.
var ErrEmptyText = errors.New("tts: empty text")

// ErrNoAudio is returned when an engine produced no audio bytes.
var ErrNoAudio = errors.New("tts: engine produced no audio")

// Stats is a snapshot of one engine's counters.
type Stats struct {
	Generations   int64   `json:"generations"`
	Successes     int64   `json:"successes"`
	Failures      int64   `json:"failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// StatsRecorder accumulates per-engine synthesis counters. Safe for
// concurrent use.
type StatsRecorder struct {
	mu    sync.Mutex
	stats map[string]*Stats
}

// NewStatsRecorder returns an empty recorder.
func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{stats: make(map[string]*Stats)}
}

// Record notes one synthesis attempt for engine. elapsedMS only contributes
// to the rolling average on success.
func (r *StatsRecorder) Record(engine string, ok bool, elapsedMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats[engine]
	if s == nil {
		s = &Stats{}
		r.stats[engine] = s
	}
	s.Generations++
	if !ok {
		s.Failures++
		return
	}
	s.Successes++
	// Incremental mean over successes.
	s.AvgDurationMS += (elapsedMS - s.AvgDurationMS) / float64(s.Successes)
}

// Snapshot returns a copy of all engine stats keyed by engine name.
func (r *StatsRecorder) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}
