// Package bot hosts the in-meeting playback coordinator: session binding,
// the FIFO audio queue with its playback state machine, the websocket bridge
// to the bot's browser context, and the manager exit callback.
package bot

import (
	"log/slog"
	"sync"
)

// SessionBinding ties the bot process to its identifiers: the connection id
// assigned by the manager at launch and the recognizer session uid learned
// at runtime when the in-browser recognizer client opens its WebSocket.
type SessionBinding struct {
	mu sync.Mutex

	connectionID string
	meetingID    string
	sessionUID   string

	log *slog.Logger
}

// NewSessionBinding creates a binding with the launch-time identifiers. The
// recognizer session uid arrives later via [SessionBinding.UpdateSessionUID].
func NewSessionBinding(connectionID, meetingID string, log *slog.Logger) *SessionBinding {
	if log == nil {
		log = slog.Default()
	}
	return &SessionBinding{
		connectionID: connectionID,
		meetingID:    meetingID,
		log:          log,
	}
}

// UpdateSessionUID records the recognizer-assigned session uid. The uid can
// change mid-meeting when the recognizer reconnects.
func (b *SessionBinding) UpdateSessionUID(uid string) {
	b.mu.Lock()
	old := b.sessionUID
	b.sessionUID = uid
	b.mu.Unlock()
	if old != "" && old != uid {
		b.log.Info("recognizer session changed", "old", old, "new", uid)
	} else {
		b.log.Info("recognizer session bound", "session_uid", uid)
	}
}

// SessionUID returns the current recognizer session uid, empty until the
// recognizer has connected.
func (b *SessionBinding) SessionUID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionUID
}

// ConnectionID returns the manager-assigned connection id.
func (b *SessionBinding) ConnectionID() string {
	return b.connectionID
}

// MeetingID returns the meeting this bot is attached to.
func (b *SessionBinding) MeetingID() string {
	return b.meetingID
}

// MatchKind classifies how an audio record's session uid relates to this
// binding.
type MatchKind int

const (
	// MatchNone means the record belongs to another session and must be
	// dropped.
	MatchNone MatchKind = iota

	// MatchSession is the normal case: the uid equals the recognizer session.
	MatchSession

	// MatchConnection is the backward-compatibility fallback where the uid
	// equals the connection id. Accepted but logged as degraded.
	MatchConnection
)

// Match gates an incoming audio record's session uid against the binding.
func (b *SessionBinding) Match(sessionUID string) MatchKind {
	b.mu.Lock()
	bound := b.sessionUID
	b.mu.Unlock()

	if bound != "" && sessionUID == bound {
		return MatchSession
	}
	if sessionUID == b.connectionID {
		return MatchConnection
	}
	return MatchNone
}
