package bot

import (
	"context"
	"testing"
	"time"

	"github.com/ravenhq/ravenpipe/internal/broker"
)

func TestHandlerAcksInvalidRecord(t *testing.T) {
	bridge := &fakeBridge{}
	p, _ := startPlayer(t, bridge)
	h := NewHandler(p, nil)

	err := h.Handle(context.Background(), broker.Entry{
		ID:     "1-0",
		Fields: map[string]string{"session_uid": "S1"}, // no audio_data
	})
	if err != nil {
		t.Fatalf("invalid record returned %v, want nil (ack)", err)
	}
	if got := bridge.snapshot(); len(got) != 0 {
		t.Fatalf("bridge touched: %v", got)
	}
}

func TestHandlerSubmitsValidRecord(t *testing.T) {
	bridge := &fakeBridge{}
	p, _ := startPlayer(t, bridge)
	bridge.setOnPlay(p.NotifyPlaybackComplete)
	h := NewHandler(p, nil)

	rec := audioRec("R1", "S1")
	if err := h.Handle(context.Background(), broker.Entry{ID: "1-0", Fields: rec.Fields()}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	waitForEvents(t, bridge, 3)
}

func TestHandlerAcksRejectedRecord(t *testing.T) {
	bridge := &fakeBridge{}
	p, _ := startPlayer(t, bridge)
	h := NewHandler(p, nil)

	rec := audioRec("R1", "S-other")
	if err := h.Handle(context.Background(), broker.Entry{ID: "1-0", Fields: rec.Fields()}); err != nil {
		t.Fatalf("rejected record returned %v, want nil (ack)", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := bridge.snapshot(); len(got) != 0 {
		t.Fatalf("bridge touched for foreign session: %v", got)
	}
}
