package synthesizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ravenhq/ravenpipe/internal/broker"
	"github.com/ravenhq/ravenpipe/internal/observe"
	"github.com/ravenhq/ravenpipe/internal/pipeline"
	"github.com/ravenhq/ravenpipe/internal/resilience"
	"github.com/ravenhq/ravenpipe/pkg/audio"
	"github.com/ravenhq/ravenpipe/pkg/provider/tts"
)

// DefaultMaxTextLength bounds synthesis input so one runaway reply cannot
// stall the queue.
const DefaultMaxTextLength = 1000

// truncationWarnings replace over-length text so the user still gets
// auditory feedback, keyed by detected language.
var truncationWarnings = map[string]string{
	"en": "The answer was too long to read aloud.",
	"es": "La respuesta era demasiado larga para leerla en voz alta.",
	"fr": "La réponse était trop longue pour être lue à voix haute.",
	"de": "Die Antwort war zu lang, um sie vorzulesen.",
}

// Appender is the slice of the broker the handler needs for output.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Handler turns replies into audio records. Engine failures degrade to
// silence: when the whole engine chain fails the reply is acknowledged and
// no audio is emitted, leaving the bot ready for the next wake phrase.
type Handler struct {
	out     Appender
	stream  string
	engines *resilience.FallbackGroup[tts.Engine]
	stats   *tts.StatsRecorder
	lang    *Detector
	voices  map[string]tts.VoiceOptions
	log     *slog.Logger
	metrics *observe.Metrics

	maxTextLength int
	now           func() time.Time
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithOutputStream overrides the audio stream name.
func WithOutputStream(stream string) HandlerOption {
	return func(h *Handler) { h.stream = stream }
}

// WithMaxTextLength overrides the synthesis input bound.
func WithMaxTextLength(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxTextLength = n
		}
	}
}

// WithVoices sets per-language voice options.
func WithVoices(voices map[string]tts.VoiceOptions) HandlerOption {
	return func(h *Handler) { h.voices = voices }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithMetrics enables per-engine synthesis instrumentation.
func WithMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler builds the synthesizer stage handler. engines is the
// primary-then-fallback chain; stats accumulates per-engine counters for the
// stats endpoint.
func NewHandler(out Appender, engines *resilience.FallbackGroup[tts.Engine], stats *tts.StatsRecorder, lang *Detector, opts ...HandlerOption) *Handler {
	h := &Handler{
		out:           out,
		stream:        pipeline.StreamAudio,
		engines:       engines,
		stats:         stats,
		lang:          lang,
		log:           slog.Default(),
		maxTextLength: DefaultMaxTextLength,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one reply entry.
func (h *Handler) Handle(ctx context.Context, e broker.Entry) error {
	reply, err := pipeline.DecodeReply(e)
	if err != nil {
		return pipeline.Permanent(err)
	}
	log := h.log.With("session_uid", reply.SessionUID, "message_id", reply.MessageID)

	text := reply.Response
	lang := h.lang.Detect(text)
	if utf8.RuneCountInString(text) > h.maxTextLength {
		log.Warn("reply over length bound, synthesizing warning instead",
			"chars", utf8.RuneCountInString(text), "max", h.maxTextLength)
		text = truncationWarning(lang)
	}

	result, engineName, err := h.synthesize(ctx, text, lang)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Graceful silence: all engines down is not a poison entry.
		log.Error("all tts engines failed, dropping reply", "error", err)
		return nil
	}
	if len(result.Audio) == 0 {
		log.Warn("engine produced empty audio, dropping reply", "engine", engineName)
		return nil
	}

	encoded, err := audio.EncodeBase64(result.Audio)
	if err != nil {
		log.Error("audio rejected", "engine", engineName, "error", err)
		return nil
	}
	meta := audio.NewMetadata(result.Audio, result.Format, engineName)
	if result.DurationS > 0 {
		meta.DurationS = result.DurationS
	}

	rec := pipeline.Audio{
		AudioData:        encoded,
		Metadata:         meta,
		SessionUID:       reply.SessionUID,
		MeetingID:        reply.MeetingID,
		OriginalQuestion: reply.OriginalQuestion,
		ResponseText:     reply.Response,
		MessageID:        reply.MessageID,
		Timestamp:        h.now().UTC(),
	}
	if _, err := h.out.Append(ctx, h.stream, rec.Fields()); err != nil {
		return fmt.Errorf("synthesizer: emit audio: %w", err)
	}
	if h.metrics != nil {
		h.metrics.RecordEmitted(ctx, "synthesizer", h.stream)
	}
	log.Info("audio emitted",
		"engine", engineName,
		"format", meta.Format,
		"size_bytes", meta.SizeBytes,
		"duration_s", meta.DurationS)
	return nil
}

// synthesize runs the engine chain, recording per-engine stats around each
// attempt.
func (h *Handler) synthesize(ctx context.Context, text, lang string) (tts.Result, string, error) {
	voice := h.voices[lang]
	return resilience.ExecuteWithResult(ctx, h.engines,
		func(ctx context.Context, eng tts.Engine) (tts.Result, error) {
			start := time.Now()
			res, err := eng.Synthesize(ctx, text, lang, voice)
			if err == nil && len(res.Audio) == 0 {
				err = tts.ErrNoAudio
			}
			elapsed := time.Since(start)
			h.stats.Record(eng.Name(), err == nil, float64(elapsed.Milliseconds()))
			if h.metrics != nil {
				status := "ok"
				if err != nil {
					status = "error"
				}
				h.metrics.RecordSynthesis(ctx, eng.Name(), status, elapsed.Seconds())
			}
			return res, err
		})
}

// Stats exposes the per-engine counters.
func (h *Handler) Stats() map[string]tts.Stats {
	return h.stats.Snapshot()
}

func truncationWarning(lang string) string {
	if s, ok := truncationWarnings[lang]; ok {
		return s
	}
	return truncationWarnings["en"]
}
