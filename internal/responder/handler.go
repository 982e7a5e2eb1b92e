package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ravenhq/ravenpipe/internal/broker"
	"github.com/ravenhq/ravenpipe/internal/observe"
	"github.com/ravenhq/ravenpipe/internal/pipeline"
	"github.com/ravenhq/ravenpipe/pkg/provider/llm"
)

// Defaults for reply generation.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
	DefaultMaxRetries  = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
)

// DefaultPersona is the preamble prepended to every prompt.
const DefaultPersona = "You are Raven, a concise voice assistant inside a live meeting. " +
	"Answer in one or two short sentences suitable for being read aloud. " +
	"If you do not know, say so briefly."

// fallbackReplies is what the user hears when the model returns nothing,
// keyed by configured language.
var fallbackReplies = map[string]string{
	"en": "I don't have an answer for that right now.",
	"es": "No tengo una respuesta para eso en este momento.",
	"fr": "Je n'ai pas de réponse à cela pour le moment.",
	"de": "Darauf habe ich im Moment keine Antwort.",
}

// Appender is the slice of the broker the handler needs for output.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Handler turns commands into replies. Transient provider failures are
// retried with jittered exponential backoff and, once exhausted, surfaced so
// the entry stays pending for claim and eventual dead-lettering. Permanent
// failures resolve silently: the command is acknowledged and no reply is
// emitted.
type Handler struct {
	out     Appender
	stream  string
	llm     llm.Provider
	history *History
	log     *slog.Logger

	persona     string
	model       string
	temperature float64
	maxTokens   int
	maxRetries  int
	language    string

	now     func() time.Time
	newID   func() string
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *observe.Metrics
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithOutputStream overrides the reply stream name.
func WithOutputStream(stream string) HandlerOption {
	return func(h *Handler) { h.stream = stream }
}

// WithPersona overrides the persona preamble.
func WithPersona(persona string) HandlerOption {
	return func(h *Handler) { h.persona = persona }
}

// WithModel sets the model passed to the gateway.
func WithModel(model string) HandlerOption {
	return func(h *Handler) { h.model = model }
}

// WithSampling overrides temperature and max tokens.
func WithSampling(temperature float64, maxTokens int) HandlerOption {
	return func(h *Handler) {
		h.temperature = temperature
		h.maxTokens = maxTokens
	}
}

// WithMaxRetries bounds attempts per command for transient failures.
func WithMaxRetries(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxRetries = n
		}
	}
}

// WithLanguage selects the fallback-reply language. Unknown codes fall back
// to English.
func WithLanguage(lang string) HandlerOption {
	return func(h *Handler) { h.language = lang }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithMetrics enables instrumentation of gateway calls and emitted replies.
func WithMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler builds the responder stage handler.
func NewHandler(out Appender, provider llm.Provider, history *History, opts ...HandlerOption) *Handler {
	h := &Handler{
		out:         out,
		stream:      pipeline.StreamReplies,
		llm:         provider,
		history:     history,
		log:         slog.Default(),
		persona:     DefaultPersona,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		maxRetries:  DefaultMaxRetries,
		language:    "en",
		now:         time.Now,
		newID:       uuid.NewString,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one command entry.
func (h *Handler) Handle(ctx context.Context, e broker.Entry) error {
	cmd, err := pipeline.DecodeCommand(e)
	if err != nil {
		return pipeline.Permanent(err)
	}
	log := h.log.With("session_uid", cmd.SessionUID, "question", cmd.Question)

	text, err := h.generate(ctx, cmd)
	if err != nil {
		if llm.IsPermanent(err) || errors.Is(err, llm.ErrModelNotFound) {
			// No reply: the user hears nothing and the pipeline moves on.
			log.Error("permanent llm failure, dropping command", "error", err)
			return nil
		}
		return fmt.Errorf("responder: generate: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		text = h.fallbackReply(cmd.Question)
		log.Warn("empty completion, using fallback reply")
	}

	reply := pipeline.Reply{
		Response:          text,
		SessionUID:        cmd.SessionUID,
		MeetingID:         cmd.MeetingID,
		OriginalQuestion:  cmd.Question,
		OriginalTimestamp: cmd.Timestamp,
		Timestamp:         h.now().UTC(),
		MessageID:         h.newID(),
	}
	if _, err := h.out.Append(ctx, h.stream, reply.Fields()); err != nil {
		return fmt.Errorf("responder: emit reply: %w", err)
	}
	if h.metrics != nil {
		h.metrics.RecordEmitted(ctx, "responder", h.stream)
	}

	h.history.Record(ctx, cmd.SessionUID, cmd.Question, text)
	log.Info("reply emitted", "message_id", reply.MessageID)
	return nil
}

// generate calls the gateway with retries for transient failures.
func (h *Handler) generate(ctx context.Context, cmd pipeline.Command) (string, error) {
	prompt := h.buildPrompt(ctx, cmd)
	opts := llm.Options{
		Model:       h.model,
		Temperature: h.temperature,
		MaxTokens:   h.maxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		start := h.now()
		text, err := h.llm.Generate(ctx, prompt, opts)
		h.recordCall(ctx, err, h.now().Sub(start))
		if err == nil {
			return text, nil
		}
		if llm.IsPermanent(err) || errors.Is(err, llm.ErrModelNotFound) {
			return "", err
		}
		lastErr = err
		if attempt == h.maxRetries {
			break
		}
		delay := backoffDelay(attempt)
		h.log.Warn("llm call failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		if err := h.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", h.maxRetries, lastErr)
}

func (h *Handler) recordCall(ctx context.Context, err error, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordLLMCall(ctx, h.model, status, elapsed.Seconds())
}

// buildPrompt concatenates persona, recent conversation, and the question.
func (h *Handler) buildPrompt(ctx context.Context, cmd pipeline.Command) string {
	var b strings.Builder
	b.WriteString(h.persona)
	b.WriteString("\n\n")

	if turns := h.history.Context(ctx, cmd.SessionUID); len(turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range turns {
			b.WriteString("Q: ")
			b.WriteString(t.Question)
			b.WriteString("\nA: ")
			b.WriteString(t.Response)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if lang, conf := detectQuestionLanguage(cmd.Question); conf >= promptLanguageThreshold {
		if name, ok := languageNames[lang]; ok {
			b.WriteString("Answer in ")
			b.WriteString(name)
			b.WriteString(".\n\n")
		}
	}

	b.WriteString("Question: ")
	b.WriteString(cmd.Question)
	b.WriteString("\nAnswer:")
	return b.String()
}

// fallbackReply picks the canned reply in the question's language when
// detection is confident, else the configured language.
func (h *Handler) fallbackReply(question string) string {
	if lang, conf := detectQuestionLanguage(question); conf >= promptLanguageThreshold {
		if s, ok := fallbackReplies[lang]; ok {
			return s
		}
	}
	if s, ok := fallbackReplies[h.language]; ok {
		return s
	}
	return fallbackReplies["en"]
}

// backoffDelay is exponential in the attempt number with ±25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	jitter := 0.75 + rand.Float64()/2
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
