package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ravenhq/ravenpipe/internal/observe"
	"github.com/ravenhq/ravenpipe/internal/pipeline"
	"github.com/ravenhq/ravenpipe/pkg/audio"
)

// PlaybackState is the player's state machine position.
type PlaybackState int32

const (
	// StateIdle means nothing is playing and the queue is empty.
	StateIdle PlaybackState = iota

	// StatePlaying means a blob is being played through the meeting's audio
	// output.
	StatePlaying

	// StateDraining means shutdown has begun: no new audio is accepted, the
	// current playback finishes (bounded by its timeout), then the player
	// terminates.
	StateDraining
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Bridge is the host side of the bot's browser channel. PlayAudio starts
// playback and returns once the browser accepted the blob; completion
// arrives asynchronously via [Player.NotifyPlaybackComplete].
type Bridge interface {
	PlayAudio(ctx context.Context, blob []byte, format, messageID string) error
	SetMicMuted(ctx context.Context, muted bool) error
}

// Player defaults.
const (
	// DefaultFallbackCap substitutes for a missing or implausible duration
	// when bounding playback.
	DefaultFallbackCap = 30 * time.Second

	// DefaultGrace pads every playback timeout.
	DefaultGrace = 5 * time.Second

	// DefaultDedupeWindow is how long a message id is remembered for
	// duplicate suppression.
	DefaultDedupeWindow = 2 * time.Minute

	// DefaultQueueCap bounds the in-process audio queue.
	DefaultQueueCap = 64

	// bridgeCallTimeout bounds individual bridge round-trips.
	bridgeCallTimeout = 5 * time.Second
)

type queuedAudio struct {
	messageID string
	blob      []byte
	format    string
	durationS float64
}

// Player consumes admitted audio records strictly in FIFO order, muting the
// bot's microphone for the whole of each playback. It is single-threaded by
// construction: one Run loop owns all playback; Submit and the notify
// methods only hand work over.
type Player struct {
	bridge  Bridge
	binding *SessionBinding
	log     *slog.Logger
	metrics *observe.Metrics

	fallbackCap  time.Duration
	grace        time.Duration
	dedupeWindow time.Duration
	queueCap     int
	now          func() time.Time

	mu       sync.Mutex
	queue    []queuedAudio
	state    PlaybackState
	draining bool
	seen     map[string]time.Time

	wake        chan struct{}
	completions chan string
	done        chan struct{}
}

// PlayerOption customises a Player.
type PlayerOption func(*Player)

// WithFallbackCap overrides the duration substitute.
func WithFallbackCap(d time.Duration) PlayerOption {
	return func(p *Player) { p.fallbackCap = d }
}

// WithGrace overrides the timeout padding.
func WithGrace(d time.Duration) PlayerOption {
	return func(p *Player) { p.grace = d }
}

// WithDedupeWindow overrides the duplicate-suppression window.
func WithDedupeWindow(d time.Duration) PlayerOption {
	return func(p *Player) { p.dedupeWindow = d }
}

// WithQueueCap overrides the queue bound.
func WithQueueCap(n int) PlayerOption {
	return func(p *Player) {
		if n > 0 {
			p.queueCap = n
		}
	}
}

// WithPlayerLogger overrides the default logger.
func WithPlayerLogger(log *slog.Logger) PlayerOption {
	return func(p *Player) { p.log = log }
}

// WithPlayerMetrics enables playback and queue-depth instrumentation.
func WithPlayerMetrics(m *observe.Metrics) PlayerOption {
	return func(p *Player) { p.metrics = m }
}

// NewPlayer builds a player bound to binding, playing through bridge.
func NewPlayer(bridge Bridge, binding *SessionBinding, opts ...PlayerOption) *Player {
	p := &Player{
		bridge:       bridge,
		binding:      binding,
		log:          slog.Default(),
		fallbackCap:  DefaultFallbackCap,
		grace:        DefaultGrace,
		dedupeWindow: DefaultDedupeWindow,
		queueCap:     DefaultQueueCap,
		now:          time.Now,
		seen:         make(map[string]time.Time),
		wake:         make(chan struct{}, 1),
		completions:  make(chan string, 16),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the player's current state.
func (p *Player) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// QueueLen returns the number of queued (not yet playing) records.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Submit offers an audio record to the player. It returns false when the
// record is rejected: session mismatch, duplicate message id, undecodable
// payload, draining, or queue overflow. Rejections are diagnostics, never
// errors; the broker entry is acknowledged either way.
func (p *Player) Submit(rec pipeline.Audio) bool {
	switch p.binding.Match(rec.SessionUID) {
	case MatchNone:
		p.log.Warn("dropping audio for foreign session",
			"audio_session_uid", rec.SessionUID,
			"bot_session_uid", p.binding.SessionUID(),
			"bot_connection_id", p.binding.ConnectionID(),
			"message_id", rec.MessageID)
		return false
	case MatchConnection:
		p.log.Warn("degraded session match via connection id",
			"audio_session_uid", rec.SessionUID,
			"message_id", rec.MessageID)
	}

	blob, err := audio.DecodeBase64(rec.AudioData)
	if err != nil {
		p.log.Warn("dropping undecodable audio",
			"message_id", rec.MessageID, "error", err)
		return false
	}

	now := p.now()
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		p.log.Info("draining, rejecting audio", "message_id", rec.MessageID)
		return false
	}
	p.pruneSeen(now)
	if at, dup := p.seen[rec.MessageID]; dup && now.Sub(at) < p.dedupeWindow {
		p.mu.Unlock()
		p.log.Info("suppressing duplicate audio", "message_id", rec.MessageID)
		return false
	}
	if len(p.queue) >= p.queueCap {
		p.mu.Unlock()
		p.log.Warn("audio queue full, dropping", "message_id", rec.MessageID)
		return false
	}
	p.seen[rec.MessageID] = now
	p.queue = append(p.queue, queuedAudio{
		messageID: rec.MessageID,
		blob:      blob,
		format:    rec.Metadata.Format,
		durationS: rec.Metadata.DurationS,
	})
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.QueueDepth.Add(context.Background(), 1)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// NotifyPlaybackComplete is called by the bridge when the browser reports a
// playback finished.
func (p *Player) NotifyPlaybackComplete(messageID string) {
	select {
	case p.completions <- messageID:
	default:
		p.log.Warn("completion channel full, dropping notification",
			"message_id", messageID)
	}
}

// UpdateSessionUID is called by the bridge when the browser's recognizer
// client reports its server-assigned session uid.
func (p *Player) UpdateSessionUID(uid string) {
	p.binding.UpdateSessionUID(uid)
}

// Run owns the playback loop until ctx is cancelled. Cancellation enters
// Draining: the current playback finishes (bounded by its timeout), queued
// records are discarded, and Run returns.
func (p *Player) Run(ctx context.Context) {
	defer close(p.done)

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.draining = true
		if p.state != StatePlaying {
			p.state = StateDraining
		}
		p.mu.Unlock()
		// Unblock the loop if it is waiting for work.
		select {
		case p.wake <- struct{}{}:
		default:
		}
	})
	defer stop()

	for {
		select {
		case <-ctx.Done():
			p.finishDraining()
			return
		case <-p.wake:
		}

		for {
			// Cancellation may race the wake signal; never start a fresh
			// playback once the bot has been told to leave.
			if ctx.Err() != nil || p.isDraining() {
				p.finishDraining()
				return
			}
			item, ok := p.pop()
			if !ok {
				break
			}
			p.play(item)
			if p.isDraining() {
				p.finishDraining()
				return
			}
		}
		p.setStateIfNotDraining(StateIdle)
		if p.isDraining() {
			p.finishDraining()
			return
		}
	}
}

// Done is closed when Run has fully drained and returned.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// play pushes one blob through the bridge with the microphone muted for the
// whole interval. Failures reset to idle with the microphone restored.
func (p *Player) play(item queuedAudio) {
	p.setStateIfNotDraining(StatePlaying)
	log := p.log.With("message_id", item.messageID)

	started := p.now()
	status := "complete"
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordPlayback(context.Background(), status, p.now().Sub(started).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), bridgeCallTimeout)
	err := p.bridge.SetMicMuted(ctx, true)
	cancel()
	if err != nil {
		status = "mute_failed"
		log.Error("mic mute failed, skipping playback", "error", err)
		return
	}
	// The mic is muted from here on; always restore it.
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), bridgeCallTimeout)
		if err := p.bridge.SetMicMuted(ctx, false); err != nil {
			log.Error("mic unmute failed", "error", err)
		}
		cancel()
	}()

	ctx, cancel = context.WithTimeout(context.Background(), bridgeCallTimeout)
	err = p.bridge.PlayAudio(ctx, item.blob, item.format, item.messageID)
	cancel()
	if err != nil {
		status = "start_failed"
		log.Error("playback start failed", "error", err)
		return
	}

	timeout := p.playbackTimeout(item.durationS)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case id := <-p.completions:
			if id == item.messageID {
				log.Debug("playback complete")
				return
			}
			log.Debug("stale completion ignored", "stale_message_id", id)
		case <-timer.C:
			status = "timeout"
			log.Warn("playback timed out", "timeout", timeout)
			return
		}
	}
}

// playbackTimeout bounds a playback at max(duration, fallback cap) plus
// grace.
func (p *Player) playbackTimeout(durationS float64) time.Duration {
	d := time.Duration(durationS * float64(time.Second))
	if d < p.fallbackCap {
		d = p.fallbackCap
	}
	return d + p.grace
}

func (p *Player) pop() (queuedAudio, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return queuedAudio{}, false
	}
	item := p.queue[0]
	p.queue = p.queue[1:]
	if p.metrics != nil {
		p.metrics.QueueDepth.Add(context.Background(), -1)
	}
	return item, true
}

func (p *Player) isDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

func (p *Player) setStateIfNotDraining(s PlaybackState) {
	p.mu.Lock()
	if !p.draining {
		p.state = s
	}
	p.mu.Unlock()
}

func (p *Player) finishDraining() {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.state = StateDraining
	p.mu.Unlock()
	if dropped > 0 && p.metrics != nil {
		p.metrics.QueueDepth.Add(context.Background(), int64(-dropped))
	}
	if dropped > 0 {
		p.log.Info("discarded queued audio on shutdown", "count", dropped)
	}
}

// pruneSeen drops dedupe entries older than the window. Caller holds the
// lock.
func (p *Player) pruneSeen(now time.Time) {
	for id, at := range p.seen {
		if now.Sub(at) >= p.dedupeWindow {
			delete(p.seen, id)
		}
	}
}
