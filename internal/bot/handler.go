package bot

import (
	"context"
	"log/slog"

	"github.com/ravenhq/ravenpipe/internal/broker"
	"github.com/ravenhq/ravenpipe/internal/pipeline"
)

// Handler feeds audio entries from the broker into the player. Every entry
// is acknowledged: playback is best effort and a rejected or malformed
// record must never be redelivered to a bot that already declined it.
type Handler struct {
	player *Player
	log    *slog.Logger
}

// NewHandler builds the bot's consumer handler.
func NewHandler(player *Player, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{player: player, log: log}
}

// Handle processes one audio entry.
func (h *Handler) Handle(ctx context.Context, e broker.Entry) error {
	rec, err := pipeline.DecodeAudio(e)
	if err != nil {
		h.log.Warn("dropping invalid audio record", "id", e.ID, "error", err)
		return nil
	}
	h.player.Submit(rec)
	return nil
}
