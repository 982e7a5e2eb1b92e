// Package wake implements wake-phrase detection over live transcript
// segments: pattern matching (exact and edit-distance tolerant), trailing
// question extraction, and per-session rate limiting.
package wake

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Pattern kinds, in match-priority order. The order doubles as the
// tie-breaker when two hits share confidence and start offset.
var kindOrder = []string{
	KindPrimary,
	KindSecondary,
	KindConversational,
	KindQuestion,
	KindPunctuation,
	KindFuzzy,
}

const (
	KindPrimary        = "primary"
	KindSecondary      = "secondary"
	KindConversational = "conversational"
	KindQuestion       = "question"
	KindPunctuation    = "punctuation"
	KindFuzzy          = "fuzzy"
)

// Patterns is the detector configuration. Loaded from a JSON file and
// hot-reloadable; see [Watcher].
type Patterns struct {
	Patterns   map[string][]string `json:"patterns"`
	Thresholds map[string]float64  `json:"thresholds"`
	Fuzzy      FuzzySettings       `json:"fuzzy"`
	Question   QuestionBounds      `json:"question"`
	RateLimit  RateLimitSettings   `json:"rate_limit"`
}

// FuzzySettings controls the edit-distance tolerant match applied to
// phrases of the fuzzy kind only.
type FuzzySettings struct {
	Enabled         bool `json:"enabled"`
	MaxEditDistance int  `json:"max_edit_distance"`
}

// QuestionBounds limits the extracted question length in characters.
type QuestionBounds struct {
	MinChars int `json:"min_chars"`
	MaxChars int `json:"max_chars"`
}

// RateLimitSettings bounds how often one session may trigger the assistant.
type RateLimitSettings struct {
	Enabled      bool    `json:"enabled"`
	CooldownS    float64 `json:"cooldown_s"`
	MaxPerMinute int     `json:"max_per_minute"`
	PerSession   bool    `json:"per_session"`
}

// DefaultPatterns returns the built-in configuration used when no pattern
// file is supplied.
func DefaultPatterns() *Patterns {
	return &Patterns{
		Patterns: map[string][]string{
			KindPrimary:        {"hey raven", "ok raven", "okay raven"},
			KindSecondary:      {"raven"},
			KindConversational: {"raven can you", "raven could you", "raven please"},
			KindQuestion:       {"raven what", "raven who", "raven how", "raven why", "raven when", "raven where"},
			KindPunctuation:    {"raven,", "raven?"},
			KindFuzzy:          {"hey haven", "hey ravin", "hey reven"},
		},
		Thresholds: map[string]float64{
			KindPrimary:   0.9,
			KindSecondary: 0.7,
		},
		Fuzzy:     FuzzySettings{Enabled: true, MaxEditDistance: 2},
		Question:  QuestionBounds{MinChars: 3, MaxChars: 200},
		RateLimit: RateLimitSettings{Enabled: true, CooldownS: 3, MaxPerMinute: 15, PerSession: true},
	}
}

// LoadPatterns reads and validates a pattern file. Missing sections fall
// back to the defaults.
func LoadPatterns(path string) (*Patterns, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wake: read patterns %q: %w", path, err)
	}
	return ParsePatterns(data)
}

// ParsePatterns parses a JSON pattern document, filling gaps from
// [DefaultPatterns] and validating the result.
func ParsePatterns(data []byte) (*Patterns, error) {
	p := DefaultPatterns()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("wake: parse patterns: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks structural sanity. Errors are joined so the operator sees
// every problem in one pass.
func (p *Patterns) Validate() error {
	var errs []error

	known := make(map[string]bool, len(kindOrder))
	for _, k := range kindOrder {
		known[k] = true
	}
	for kind := range p.Patterns {
		if !known[kind] {
			errs = append(errs, fmt.Errorf("unknown pattern kind %q", kind))
		}
	}
	for kind, v := range p.Thresholds {
		if !known[kind] {
			errs = append(errs, fmt.Errorf("threshold for unknown kind %q", kind))
		}
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("threshold for %q out of (0, 1]: %v", kind, v))
		}
	}
	if p.Fuzzy.Enabled && p.Fuzzy.MaxEditDistance < 1 {
		errs = append(errs, fmt.Errorf("fuzzy.max_edit_distance must be >= 1, got %d", p.Fuzzy.MaxEditDistance))
	}
	if p.Question.MinChars < 1 {
		errs = append(errs, fmt.Errorf("question.min_chars must be >= 1, got %d", p.Question.MinChars))
	}
	if p.Question.MaxChars < p.Question.MinChars {
		errs = append(errs, fmt.Errorf("question.max_chars %d below min_chars %d", p.Question.MaxChars, p.Question.MinChars))
	}
	if p.RateLimit.Enabled {
		if p.RateLimit.CooldownS < 0 {
			errs = append(errs, fmt.Errorf("rate_limit.cooldown_s must be >= 0, got %v", p.RateLimit.CooldownS))
		}
		if p.RateLimit.MaxPerMinute < 1 {
			errs = append(errs, fmt.Errorf("rate_limit.max_per_minute must be >= 1, got %d", p.RateLimit.MaxPerMinute))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("wake: invalid patterns: %w", errors.Join(errs...))
	}
	return nil
}

// Confidence returns the score attached to hits of kind. Kinds without an
// explicit threshold inherit the higher of the primary and secondary ones.
func (p *Patterns) Confidence(kind string) float64 {
	if v, ok := p.Thresholds[kind]; ok {
		return v
	}
	primary, ok := p.Thresholds[KindPrimary]
	if !ok {
		primary = 0.9
	}
	secondary, ok := p.Thresholds[KindSecondary]
	if !ok {
		secondary = 0.7
	}
	return max(primary, secondary)
}
