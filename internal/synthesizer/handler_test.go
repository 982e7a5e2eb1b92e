package synthesizer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ravenhq/ravenpipe/internal/broker"
	"github.com/ravenhq/ravenpipe/internal/pipeline"
	"github.com/ravenhq/ravenpipe/internal/resilience"
	"github.com/ravenhq/ravenpipe/pkg/audio"
	"github.com/ravenhq/ravenpipe/pkg/provider/tts"
	"github.com/ravenhq/ravenpipe/pkg/provider/tts/mock"
)

type fakeAppender struct {
	mu     sync.Mutex
	err    error
	fields []map[string]string
}

func (f *fakeAppender) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.fields = append(f.fields, fields)
	return "1-0", nil
}

func replyEntry(response string) broker.Entry {
	return broker.Entry{
		ID: "3-0",
		Fields: pipeline.Reply{
			Response:         response,
			SessionUID:       "S1",
			MeetingID:        "1001",
			OriginalQuestion: "what time is it",
			Timestamp:        time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
			MessageID:        "R1",
		}.Fields(),
	}
}

func newTestHandler(out Appender, primary, fallback tts.Engine) (*Handler, *tts.StatsRecorder) {
	fg := resilience.NewFallbackGroup(primary, primary.Name(), resilience.FallbackConfig{})
	if fallback != nil {
		fg.AddFallback(fallback.Name(), fallback)
	}
	stats := tts.NewStatsRecorder()
	return NewHandler(out, fg, stats, NewDetector("en")), stats
}

func TestHandlerEmitsAudio(t *testing.T) {
	blob := append([]byte("ID3"), bytes.Repeat([]byte{0x11}, 8000)...)
	primary := &mock.Engine{
		EngineName: "remote",
		Result:     tts.Result{Audio: blob, Format: "mp3", DurationS: 1.0},
	}
	out := &fakeAppender{}
	h, _ := newTestHandler(out, primary, nil)

	if err := h.Handle(context.Background(), replyEntry("It is 3:30 PM.")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(out.fields) != 1 {
		t.Fatalf("got %d audio records, want 1", len(out.fields))
	}
	rec, err := pipeline.DecodeAudio(broker.Entry{ID: "4-0", Fields: out.fields[0]})
	if err != nil {
		t.Fatalf("DecodeAudio: %v", err)
	}
	if rec.SessionUID != "S1" || rec.MessageID != "R1" {
		t.Errorf("ids = %q/%q", rec.SessionUID, rec.MessageID)
	}
	if rec.OriginalQuestion != "what time is it" || rec.ResponseText != "It is 3:30 PM." {
		t.Errorf("provenance = %q/%q", rec.OriginalQuestion, rec.ResponseText)
	}
	if rec.Metadata.Format != "mp3" || rec.Metadata.Engine != "remote" {
		t.Errorf("metadata = %+v", rec.Metadata)
	}
	if rec.Metadata.DurationS != 1.0 {
		t.Errorf("duration = %v, want engine-reported 1.0", rec.Metadata.DurationS)
	}
	decoded, err := audio.DecodeBase64(rec.AudioData)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if !bytes.Equal(decoded, blob) {
		t.Error("audio blob did not round-trip")
	}
}

func TestHandlerFallsBackToSecondEngine(t *testing.T) {
	primary := &mock.Engine{EngineName: "remote", Errs: []error{errors.New("server down")}}
	fallback := &mock.Engine{
		EngineName: "espeak",
		Result:     tts.Result{Audio: []byte("RIFFxxxxWAVEdata"), Format: "wav"},
	}
	out := &fakeAppender{}
	h, stats := newTestHandler(out, primary, fallback)

	if err := h.Handle(context.Background(), replyEntry("It is 3:30 PM.")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	rec, err := pipeline.DecodeAudio(broker.Entry{ID: "4-0", Fields: out.fields[0]})
	if err != nil {
		t.Fatalf("DecodeAudio: %v", err)
	}
	if rec.Metadata.Engine != "espeak" {
		t.Errorf("engine = %q, want espeak", rec.Metadata.Engine)
	}

	snap := stats.Snapshot()
	if snap["remote"].Failures != 1 {
		t.Errorf("remote stats = %+v, want 1 failure", snap["remote"])
	}
	if snap["espeak"].Successes != 1 {
		t.Errorf("espeak stats = %+v, want 1 success", snap["espeak"])
	}
}

func TestHandlerGracefulSilenceWhenAllEnginesFail(t *testing.T) {
	primary := &mock.Engine{EngineName: "remote", Errs: []error{errors.New("down")}}
	fallback := &mock.Engine{EngineName: "espeak", Errs: []error{errors.New("no binary")}}
	out := &fakeAppender{}
	h, _ := newTestHandler(out, primary, fallback)

	if err := h.Handle(context.Background(), replyEntry("It is 3:30 PM.")); err != nil {
		t.Fatalf("Handle should ack when all engines fail, got: %v", err)
	}
	if len(out.fields) != 0 {
		t.Error("audio emitted despite total engine failure")
	}
}

func TestHandlerDropsEmptyAudio(t *testing.T) {
	primary := &mock.Engine{EngineName: "remote", Result: tts.Result{Format: "mp3"}}
	out := &fakeAppender{}
	h, _ := newTestHandler(out, primary, nil)

	if err := h.Handle(context.Background(), replyEntry("It is 3:30 PM.")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(out.fields) != 0 {
		t.Error("zero-byte audio was emitted")
	}
}

func TestHandlerTruncationWarning(t *testing.T) {
	primary := &mock.Engine{
		EngineName: "remote",
		Result:     tts.Result{Audio: []byte("ID3xx"), Format: "mp3"},
	}
	out := &fakeAppender{}
	h, _ := newTestHandler(out, primary, nil)

	long := strings.Repeat("all work and no play ", 100) // well over 1000 chars
	if err := h.Handle(context.Background(), replyEntry(long)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := primary.SynthesizeCalls[0].Text; got != truncationWarnings["en"] {
		t.Errorf("synthesized %q, want truncation warning", got)
	}
	// The record still carries the full original response text.
	rec, err := pipeline.DecodeAudio(broker.Entry{ID: "4-0", Fields: out.fields[0]})
	if err != nil {
		t.Fatalf("DecodeAudio: %v", err)
	}
	if rec.ResponseText != long {
		t.Error("response_text was not preserved")
	}
}

func TestHandlerPassesLanguageAndVoice(t *testing.T) {
	primary := &mock.Engine{
		EngineName: "remote",
		Result:     tts.Result{Audio: []byte("ID3xx"), Format: "mp3"},
	}
	out := &fakeAppender{}
	fg := resilience.NewFallbackGroup[tts.Engine](primary, "remote", resilience.FallbackConfig{})
	h := NewHandler(out, fg, tts.NewStatsRecorder(), NewDetector("en"),
		WithVoices(map[string]tts.VoiceOptions{"es": {Voice: "es-female"}}))

	if err := h.Handle(context.Background(), replyEntry("¿Qué hora es? No sé, señor.")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	call := primary.SynthesizeCalls[0]
	if call.Language != "es" {
		t.Errorf("language = %q, want es", call.Language)
	}
	if call.Opts.Voice != "es-female" {
		t.Errorf("voice = %q, want es-female", call.Opts.Voice)
	}
}

func TestHandlerMalformedReplyIsPermanent(t *testing.T) {
	out := &fakeAppender{}
	h, _ := newTestHandler(out, &mock.Engine{}, nil)

	err := h.Handle(context.Background(), broker.Entry{
		ID:     "3-0",
		Fields: map[string]string{"session_uid": "S1"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !pipeline.IsPermanent(err) {
		t.Error("malformed reply not marked permanent")
	}
}

func TestHandlerAppendFailureSurfaces(t *testing.T) {
	primary := &mock.Engine{EngineName: "remote", Result: tts.Result{Audio: []byte("ID3xx"), Format: "mp3"}}
	out := &fakeAppender{err: errors.New("broker down")}
	h, _ := newTestHandler(out, primary, nil)

	if err := h.Handle(context.Background(), replyEntry("hi there")); err == nil {
		t.Fatal("append failure not surfaced")
	}
}
