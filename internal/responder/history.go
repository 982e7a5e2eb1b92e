// Package responder turns wake commands into assistant replies via an LLM
// gateway, with per-session conversation context and a retry policy that
// distinguishes transient from permanent provider failures.
package responder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxTurns bounds the per-session conversation ring.
const DefaultMaxTurns = 10

// DefaultHistoryTTL is how long persisted history outlives its last update.
const DefaultHistoryTTL = 24 * time.Hour

// Turn is one question/answer exchange.
type Turn struct {
	Question string `json:"question"`
	Response string `json:"response"`
}

// Store persists history across responder restarts. The broker client
// satisfies this; a nil store keeps history in-process only.
type Store interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// History keeps a bounded ring of recent turns per session, optionally
// mirrored to a store so a restarted responder resumes mid-conversation.
// Persistence is best effort: store errors are logged, never surfaced.
type History struct {
	maxTurns int
	store    Store
	ttl      time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string][]Turn
}

// HistoryOption customises a History.
type HistoryOption func(*History)

// WithMaxTurns bounds the ring size.
func WithMaxTurns(n int) HistoryOption {
	return func(h *History) {
		if n > 0 {
			h.maxTurns = n
		}
	}
}

// WithStore mirrors history to a persistent store.
func WithStore(s Store) HistoryOption {
	return func(h *History) { h.store = s }
}

// WithHistoryTTL sets the persisted-entry lifetime.
func WithHistoryTTL(d time.Duration) HistoryOption {
	return func(h *History) {
		if d > 0 {
			h.ttl = d
		}
	}
}

// WithHistoryLogger overrides the default logger.
func WithHistoryLogger(log *slog.Logger) HistoryOption {
	return func(h *History) { h.log = log }
}

// NewHistory builds an empty history.
func NewHistory(opts ...HistoryOption) *History {
	h := &History{
		maxTurns: DefaultMaxTurns,
		ttl:      DefaultHistoryTTL,
		log:      slog.Default(),
		sessions: make(map[string][]Turn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Context returns the session's recent turns, oldest first. On a cold cache
// with a store configured, the persisted copy is loaded first.
func (h *History) Context(ctx context.Context, sessionUID string) []Turn {
	h.mu.Lock()
	turns, ok := h.sessions[sessionUID]
	h.mu.Unlock()
	if ok {
		return turns
	}

	if h.store != nil {
		raw, found, err := h.store.Get(ctx, historyKey(sessionUID))
		if err != nil {
			h.log.Warn("history load failed", "session_uid", sessionUID, "error", err)
		} else if found {
			var loaded []Turn
			if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
				h.log.Warn("history decode failed", "session_uid", sessionUID, "error", err)
			} else {
				h.mu.Lock()
				// A concurrent Record may have seeded the session meanwhile;
				// its newer turns win.
				if cur, ok := h.sessions[sessionUID]; ok {
					loaded = cur
				} else {
					h.sessions[sessionUID] = loaded
				}
				h.mu.Unlock()
				return loaded
			}
		}
	}
	return nil
}

// Record appends a turn to the session's ring and mirrors it to the store.
func (h *History) Record(ctx context.Context, sessionUID, question, response string) {
	h.mu.Lock()
	turns := append(h.sessions[sessionUID], Turn{Question: question, Response: response})
	if len(turns) > h.maxTurns {
		turns = turns[len(turns)-h.maxTurns:]
	}
	h.sessions[sessionUID] = turns
	h.mu.Unlock()

	if h.store == nil {
		return
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		h.log.Warn("history encode failed", "session_uid", sessionUID, "error", err)
		return
	}
	if err := h.store.SetWithTTL(ctx, historyKey(sessionUID), string(raw), h.ttl); err != nil {
		h.log.Warn("history persist failed", "session_uid", sessionUID, "error", err)
	}
}

// Forget drops a session's in-memory history. The persisted copy ages out
// via its TTL.
func (h *History) Forget(sessionUID string) {
	h.mu.Lock()
	delete(h.sessions, sessionUID)
	h.mu.Unlock()
}

func historyKey(sessionUID string) string {
	return "history:" + sessionUID
}
