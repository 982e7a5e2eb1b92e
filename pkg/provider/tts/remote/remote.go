// Package remote implements tts.Engine against an HTTP synthesis server.
//
// The server contract is a single POST endpoint accepting a JSON body
// {"text": ..., "language": ..., "voice": ..., "slow": ...} and returning the
// encoded audio bytes with a Content-Type of audio/mpeg or audio/wav. This
// matches the common self-hosted TTS containers (Coqui-style REST servers)
// and keeps the whole exchange in memory.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ravenhq/ravenpipe/pkg/audio"
	"github.com/ravenhq/ravenpipe/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Engine = (*Engine)(nil)

const (
	defaultTimeout = 10 * time.Second
	ttsPath        = "/api/tts"
	healthPath     = "/health"
)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithTimeout sets the per-request HTTP timeout. Default: 10 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// Engine is a networked TTS backend. Safe for concurrent use.
type Engine struct {
	serverURL  string
	httpClient *http.Client
}

// New creates an Engine targeting the TTS server at serverURL.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("remote: server URL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return "remote" }

// synthesisRequest is the JSON body sent to the server.
type synthesisRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
	Slow     bool   `json:"slow,omitempty"`
}

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(ctx context.Context, text, language string, opts tts.VoiceOptions) (tts.Result, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Result{}, tts.ErrEmptyText
	}

	body, err := json.Marshal(synthesisRequest{
		Text:     text,
		Language: language,
		Voice:    opts.Voice,
		Slow:     opts.Slow,
	})
	if err != nil {
		return tts.Result{}, fmt.Errorf("remote: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+ttsPath, bytes.NewReader(body))
	if err != nil {
		return tts.Result{}, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return tts.Result{}, fmt.Errorf("remote: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return tts.Result{}, fmt.Errorf("remote: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	blob, err := io.ReadAll(io.LimitReader(resp.Body, audio.MaxBlobSize+1))
	if err != nil {
		return tts.Result{}, fmt.Errorf("remote: read audio: %w", err)
	}
	if len(blob) == 0 {
		return tts.Result{}, tts.ErrNoAudio
	}
	if err := audio.Validate(blob); err != nil {
		return tts.Result{}, err
	}

	format := formatFromContentType(resp.Header.Get("Content-Type"))
	if format == "" {
		format = audio.SniffFormat(blob)
	}
	if format == "" {
		format = "mp3"
	}

	return tts.Result{
		Audio:     blob,
		Format:    format,
		DurationS: audio.EstimateDuration(blob, format),
	}, nil
}

// Health implements tts.Engine by probing the server's health endpoint.
func (e *Engine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("remote: build health request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote: health returned %d", resp.StatusCode)
	}
	return nil
}

// formatFromContentType maps MIME types to container names.
func formatFromContentType(ct string) string {
	switch {
	case strings.HasPrefix(ct, "audio/mpeg"), strings.HasPrefix(ct, "audio/mp3"):
		return "mp3"
	case strings.HasPrefix(ct, "audio/wav"), strings.HasPrefix(ct, "audio/x-wav"):
		return "wav"
	}
	return ""
}
