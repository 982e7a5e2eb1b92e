package wake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ravenhq/ravenpipe/internal/broker"
	"github.com/ravenhq/ravenpipe/internal/observe"
	"github.com/ravenhq/ravenpipe/internal/pipeline"
)

// Appender is the slice of the broker the handler needs for output.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Handler turns transcript segments into wake commands. It is a best-effort
// side-stream consumer: malformed or unmatched segments are skipped, never
// retried, so wake processing can never back up the transcription feed.
type Handler struct {
	out      Appender
	stream   string
	patterns func() *Patterns
	detector *Detector
	limiter  *Limiter
	log      *slog.Logger
	now      func() time.Time
	metrics  *observe.Metrics
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithOutputStream overrides the command stream name.
func WithOutputStream(stream string) HandlerOption {
	return func(h *Handler) { h.stream = stream }
}

// WithHandlerLogger overrides the default logger.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithHandlerMetrics enables detection and rate-limit instrumentation.
func WithHandlerMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler builds the wake stage handler. patterns is consulted per
// segment so a hot-reloaded pattern file applies immediately.
func NewHandler(out Appender, patterns func() *Patterns, opts ...HandlerOption) *Handler {
	h := &Handler{
		out:      out,
		stream:   pipeline.StreamCommands,
		patterns: patterns,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.detector = NewDetector(patterns)
	h.limiter = NewLimiter(func() RateLimitSettings { return patterns().RateLimit })
	h.limiter.metrics = h.metrics
	return h
}

// Handle processes one transcript entry. Only an output-append failure is
// surfaced for redelivery; everything else resolves to a silent skip.
func (h *Handler) Handle(ctx context.Context, e broker.Entry) error {
	seg, err := pipeline.DecodeSegment(e)
	if err != nil {
		h.log.Warn("skipping malformed segment", "id", e.ID, "error", err)
		return nil
	}

	det, ok := h.detector.Detect(seg.Text)
	if !ok {
		return nil
	}
	if h.metrics != nil {
		h.metrics.RecordWakeDetection(ctx, det.Kind)
	}
	if !h.limiter.Admit(seg.SessionUID) {
		if h.metrics != nil {
			h.metrics.RateLimited.Add(ctx, 1)
		}
		h.log.Debug("wake rate-limited",
			"session_uid", seg.SessionUID, "question", det.Question)
		return nil
	}

	cmd := pipeline.Command{
		Question:    det.Question,
		SessionUID:  seg.SessionUID,
		MeetingID:   seg.MeetingID,
		Context:     segmentContext(seg),
		Confidence:  det.Confidence,
		PatternKind: det.Kind,
		Timestamp:   h.now().UTC(),
	}
	if _, err := h.out.Append(ctx, h.stream, cmd.Fields()); err != nil {
		return fmt.Errorf("wake: emit command: %w", err)
	}
	if h.metrics != nil {
		h.metrics.RecordEmitted(ctx, "detector", h.stream)
	}
	h.log.Info("wake command emitted",
		"session_uid", seg.SessionUID,
		"pattern_kind", det.Kind,
		"confidence", det.Confidence)
	return nil
}

// segmentContext summarises the source segment's timing for downstream
// diagnostics.
func segmentContext(seg pipeline.Segment) string {
	if seg.SegmentStartS != 0 || seg.SegmentEndS != 0 {
		return fmt.Sprintf("segment %.1fs-%.1fs", seg.SegmentStartS, seg.SegmentEndS)
	}
	if !seg.Timestamp.IsZero() {
		return "segment at " + seg.Timestamp.UTC().Format(time.RFC3339)
	}
	return ""
}
