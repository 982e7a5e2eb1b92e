package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ravenhq/ravenpipe/pkg/audio"
)

// Bridge message kinds. Two flow host→browser, two browser→host.
const (
	kindPlayAudio        = "play_audio"
	kindSetMicMuted      = "set_mic_muted"
	kindPlaybackComplete = "playback_complete"
	kindSessionUIDUpdate = "session_uid_update"
)

// ErrNoBrowser is returned by bridge calls when no browser client is
// connected.
var ErrNoBrowser = errors.New("bot: no browser client connected")

// bridgeMessage is the wire envelope for all four message kinds.
type bridgeMessage struct {
	Kind       string `json:"kind"`
	MessageID  string `json:"message_id,omitempty"`
	AudioData  string `json:"audio_data,omitempty"`
	Format     string `json:"format,omitempty"`
	Muted      *bool  `json:"muted,omitempty"`
	SessionUID string `json:"session_uid,omitempty"`
}

// Notifier receives the browser→host messages. The Player satisfies this.
type Notifier interface {
	NotifyPlaybackComplete(messageID string)
	UpdateSessionUID(uid string)
}

// WSBridge is the host side of the bot↔browser channel: a WebSocket
// endpoint the in-page client connects to. At most one browser client is
// active; a reconnect replaces the previous connection.
//
// WSBridge implements [Bridge].
type WSBridge struct {
	notifier Notifier
	log      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSBridge builds the bridge endpoint delivering inbound messages to
// notifier.
func NewWSBridge(notifier Notifier, log *slog.Logger) *WSBridge {
	if log == nil {
		log = slog.Default()
	}
	return &WSBridge{notifier: notifier, log: log}
}

// ServeHTTP upgrades the request and runs the read loop until the client
// disconnects.
func (b *WSBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.log.Warn("bridge accept failed", "error", err)
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close(websocket.StatusGoingAway, "replaced by new client")
	}
	b.conn = conn
	b.mu.Unlock()
	b.log.Info("browser client connected", "remote", r.RemoteAddr)

	b.readLoop(r.Context(), conn)

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "read loop ended")
	b.log.Info("browser client disconnected")
}

// Connected reports whether a browser client is attached.
func (b *WSBridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *WSBridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg bridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Warn("bridge message unparsable", "error", err)
			continue
		}
		switch msg.Kind {
		case kindPlaybackComplete:
			if msg.MessageID == "" {
				b.log.Warn("playback_complete without message_id")
				continue
			}
			b.notifier.NotifyPlaybackComplete(msg.MessageID)
		case kindSessionUIDUpdate:
			if msg.SessionUID == "" {
				b.log.Warn("session_uid_update without session_uid")
				continue
			}
			b.notifier.UpdateSessionUID(msg.SessionUID)
		default:
			b.log.Warn("unknown bridge message kind", "kind", msg.Kind)
		}
	}
}

// PlayAudio implements [Bridge]: instructs the browser to decode and play
// the blob through the meeting's audio output path.
func (b *WSBridge) PlayAudio(ctx context.Context, blob []byte, format, messageID string) error {
	encoded, err := audio.EncodeBase64(blob)
	if err != nil {
		return fmt.Errorf("bot: encode playback blob: %w", err)
	}
	return b.send(ctx, bridgeMessage{
		Kind:      kindPlayAudio,
		MessageID: messageID,
		AudioData: encoded,
		Format:    format,
	})
}

// SetMicMuted implements [Bridge]: toggles the bot's microphone input track.
func (b *WSBridge) SetMicMuted(ctx context.Context, muted bool) error {
	return b.send(ctx, bridgeMessage{Kind: kindSetMicMuted, Muted: &muted})
}

func (b *WSBridge) send(ctx context.Context, msg bridgeMessage) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNoBrowser
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bot: encode bridge message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("bot: bridge write: %w", err)
	}
	return nil
}
