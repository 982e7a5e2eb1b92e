// Package pipeline defines the records that travel between stages and the
// consumer loop every stage runs. Records are encoded as flat string fields
// on the broker stream; inbound decoding also accepts the same record wrapped
// in a single JSON "payload" field, which older producers emit. Outbound we
// always emit the flat shape.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ravenhq/ravenpipe/internal/broker"
	"github.com/ravenhq/ravenpipe/pkg/audio"
)

// Stream names wired through the pipeline. Overridable via config; these are
// the defaults every deployment so far uses.
const (
	StreamTranscripts = "transcripts"
	StreamCommands    = "hey_raven_commands"
	StreamReplies     = "llm_responses"
	StreamAudio       = "tts_audio_queue"
)

// Segment is a finalized transcript segment from the live transcription feed.
type Segment struct {
	Text          string
	SessionUID    string
	MeetingID     string
	SegmentStartS float64
	SegmentEndS   float64
	Timestamp     time.Time
}

// Command is a detected wake-phrase invocation with the extracted question.
// Context is a short human-readable summary of the segment's timing.
type Command struct {
	Question    string
	SessionUID  string
	MeetingID   string
	Context     string
	Confidence  float64
	PatternKind string
	Timestamp   time.Time
}

// Reply is a generated assistant response ready for synthesis. MeetingID is
// always a string here, whatever type the source carried.
type Reply struct {
	Response          string
	SessionUID        string
	MeetingID         string
	OriginalQuestion  string
	OriginalTimestamp time.Time
	Timestamp         time.Time
	MessageID         string
}

// Audio is a synthesized utterance ready for bot playback. AudioData is
// base64 of the raw bytes; Metadata describes them.
type Audio struct {
	AudioData        string
	Metadata         audio.Metadata
	SessionUID       string
	MeetingID        string
	OriginalQuestion string
	ResponseText     string
	MessageID        string
	Timestamp        time.Time
}

// Fields flattens the segment into broker fields.
func (s Segment) Fields() map[string]string {
	f := map[string]string{
		"text":        s.Text,
		"session_uid": s.SessionUID,
		"timestamp":   formatTime(s.Timestamp),
	}
	putOpt(f, "meeting_id", s.MeetingID)
	if s.SegmentStartS != 0 || s.SegmentEndS != 0 {
		f["segment_start_s"] = formatFloat(s.SegmentStartS)
		f["segment_end_s"] = formatFloat(s.SegmentEndS)
	}
	return f
}

// Fields flattens the command into broker fields.
func (c Command) Fields() map[string]string {
	f := map[string]string{
		"question":     c.Question,
		"session_uid":  c.SessionUID,
		"confidence":   formatFloat(c.Confidence),
		"pattern_kind": c.PatternKind,
		"timestamp":    formatTime(c.Timestamp),
	}
	putOpt(f, "meeting_id", c.MeetingID)
	putOpt(f, "context", c.Context)
	return f
}

// Fields flattens the reply into broker fields.
func (r Reply) Fields() map[string]string {
	f := map[string]string{
		"response":    r.Response,
		"session_uid": r.SessionUID,
		"message_id":  r.MessageID,
		"timestamp":   formatTime(r.Timestamp),
	}
	putOpt(f, "meeting_id", r.MeetingID)
	putOpt(f, "original_question", r.OriginalQuestion)
	if !r.OriginalTimestamp.IsZero() {
		f["original_timestamp"] = formatTime(r.OriginalTimestamp)
	}
	return f
}

// Fields flattens the audio record into broker fields. The metadata rides as
// one JSON object field.
func (a Audio) Fields() map[string]string {
	meta, _ := json.Marshal(a.Metadata)
	f := map[string]string{
		"audio_data":     a.AudioData,
		"audio_metadata": string(meta),
		"session_uid":    a.SessionUID,
		"message_id":     a.MessageID,
		"timestamp":      formatTime(a.Timestamp),
	}
	putOpt(f, "meeting_id", a.MeetingID)
	putOpt(f, "original_question", a.OriginalQuestion)
	putOpt(f, "response_text", a.ResponseText)
	return f
}

// DecodeSegment parses a transcript entry. Text and session_uid are
// mandatory; everything else is best effort.
func DecodeSegment(e broker.Entry) (Segment, error) {
	f, err := unwrap(e.Fields)
	if err != nil {
		return Segment{}, err
	}
	s := Segment{
		Text:       f["text"],
		SessionUID: f["session_uid"],
		MeetingID:  f["meeting_id"],
		Timestamp:  parseTime(f["timestamp"]),
	}
	if v := f["segment_start_s"]; v != "" {
		s.SegmentStartS, _ = strconv.ParseFloat(v, 64)
	}
	if v := f["segment_end_s"]; v != "" {
		s.SegmentEndS, _ = strconv.ParseFloat(v, 64)
	}
	if s.SessionUID == "" {
		return Segment{}, fmt.Errorf("pipeline: segment %s: missing session_uid", e.ID)
	}
	if s.Text == "" {
		return Segment{}, fmt.Errorf("pipeline: segment %s: missing text", e.ID)
	}
	return s, nil
}

// DecodeCommand parses a wake-command entry.
func DecodeCommand(e broker.Entry) (Command, error) {
	f, err := unwrap(e.Fields)
	if err != nil {
		return Command{}, err
	}
	c := Command{
		Question:    f["question"],
		SessionUID:  f["session_uid"],
		MeetingID:   f["meeting_id"],
		Context:     f["context"],
		PatternKind: f["pattern_kind"],
		Timestamp:   parseTime(f["timestamp"]),
	}
	if v := f["confidence"]; v != "" {
		c.Confidence, _ = strconv.ParseFloat(v, 64)
	}
	if c.SessionUID == "" {
		return Command{}, fmt.Errorf("pipeline: command %s: missing session_uid", e.ID)
	}
	if c.Question == "" {
		return Command{}, fmt.Errorf("pipeline: command %s: missing question", e.ID)
	}
	return c, nil
}

// DecodeReply parses a generated-response entry.
func DecodeReply(e broker.Entry) (Reply, error) {
	f, err := unwrap(e.Fields)
	if err != nil {
		return Reply{}, err
	}
	r := Reply{
		Response:          f["response"],
		SessionUID:        f["session_uid"],
		MeetingID:         f["meeting_id"],
		OriginalQuestion:  f["original_question"],
		OriginalTimestamp: parseTime(f["original_timestamp"]),
		Timestamp:         parseTime(f["timestamp"]),
		MessageID:         f["message_id"],
	}
	if r.SessionUID == "" {
		return Reply{}, fmt.Errorf("pipeline: reply %s: missing session_uid", e.ID)
	}
	if r.Response == "" {
		return Reply{}, fmt.Errorf("pipeline: reply %s: missing response", e.ID)
	}
	if r.MessageID == "" {
		return Reply{}, fmt.Errorf("pipeline: reply %s: missing message_id", e.ID)
	}
	return r, nil
}

// DecodeAudio parses a synthesized-audio entry. A record without both
// audio_data and message_id is invalid.
func DecodeAudio(e broker.Entry) (Audio, error) {
	f, err := unwrap(e.Fields)
	if err != nil {
		return Audio{}, err
	}
	a := Audio{
		AudioData:        f["audio_data"],
		SessionUID:       f["session_uid"],
		MeetingID:        f["meeting_id"],
		OriginalQuestion: f["original_question"],
		ResponseText:     f["response_text"],
		MessageID:        f["message_id"],
		Timestamp:        parseTime(f["timestamp"]),
	}
	if v := f["audio_metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &a.Metadata); err != nil {
			return Audio{}, fmt.Errorf("pipeline: audio %s: bad audio_metadata: %w", e.ID, err)
		}
	}
	if a.SessionUID == "" {
		return Audio{}, fmt.Errorf("pipeline: audio %s: missing session_uid", e.ID)
	}
	if a.AudioData == "" {
		return Audio{}, fmt.Errorf("pipeline: audio %s: missing audio_data", e.ID)
	}
	if a.MessageID == "" {
		return Audio{}, fmt.Errorf("pipeline: audio %s: missing message_id", e.ID)
	}
	return a, nil
}

// unwrap returns the flat field map, expanding a single JSON "payload" field
// when the entry carries one.
func unwrap(fields map[string]string) (map[string]string, error) {
	payload, ok := fields["payload"]
	if !ok {
		return fields, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("pipeline: decode payload wrapper: %w", err)
	}
	flat := make(map[string]string, len(raw)+len(fields))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			flat[k] = t
		case float64:
			flat[k] = formatFloat(t)
		case bool:
			flat[k] = strconv.FormatBool(t)
		case nil:
			// drop
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("pipeline: re-encode payload field %q: %w", k, err)
			}
			flat[k] = string(b)
		}
	}
	// Flat fields alongside the wrapper win over the wrapped copy.
	for k, v := range fields {
		if k != "payload" {
			flat[k] = v
		}
	}
	return flat, nil
}

func putOpt(f map[string]string, key, val string) {
	if val != "" {
		f[key] = val
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	// Some producers emit unix seconds with fraction.
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(0, int64(sec*float64(time.Second))).UTC()
	}
	return time.Time{}
}
