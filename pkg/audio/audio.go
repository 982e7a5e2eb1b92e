// Package audio provides in-memory handling of synthesized speech blobs:
// base64 transport encoding, basic container validation, and metadata
// construction for records carried through the broker.
//
// Audio never touches the filesystem. Blobs are produced by a TTS engine,
// base64-encoded onto a stream record, and decoded again by the playback
// side; everything in between operates on byte slices.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// MaxBlobSize is the largest audio blob accepted for encoding or playback.
// Anything bigger points at a runaway synthesis and is rejected outright.
const MaxBlobSize = 5 * 1024 * 1024

// ErrEmptyBlob is returned when an audio blob contains no bytes.
var ErrEmptyBlob = errors.New("audio: empty blob")

// ErrBlobTooLarge is returned when a blob exceeds [MaxBlobSize].
var ErrBlobTooLarge = errors.New("audio: blob exceeds size limit")

// EncodeBase64 validates blob and returns its base64 (standard alphabet)
// encoding for transport through text-field stream records.
func EncodeBase64(blob []byte) (string, error) {
	if err := Validate(blob); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecodeBase64 decodes a base64 payload back into raw audio bytes and
// validates the result.
func DecodeBase64(encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	if err := Validate(blob); err != nil {
		return nil, err
	}
	return blob, nil
}

// Validate performs cheap sanity checks on an audio blob: it must be
// non-empty and under [MaxBlobSize]. Container format is not enforced here;
// use [SniffFormat] when the format matters.
func Validate(blob []byte) error {
	if len(blob) == 0 {
		return ErrEmptyBlob
	}
	if len(blob) > MaxBlobSize {
		return fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, len(blob))
	}
	return nil
}

// SniffFormat inspects the leading bytes of blob and reports the container
// format: "mp3", "wav", or "" when unrecognised.
func SniffFormat(blob []byte) string {
	if len(blob) >= 3 && blob[0] == 'I' && blob[1] == 'D' && blob[2] == '3' {
		return "mp3"
	}
	if len(blob) >= 2 && blob[0] == 0xff && blob[1]&0xe0 == 0xe0 {
		return "mp3"
	}
	if len(blob) >= 12 && string(blob[:4]) == "RIFF" && string(blob[8:12]) == "WAVE" {
		return "wav"
	}
	return ""
}

// mp3BytesPerSecond is the rough throughput of a 64 kbps MP3 stream, used
// for duration estimation without a decoder dependency.
const mp3BytesPerSecond = 8000

// EstimateDuration returns the approximate playback duration in seconds for
// a blob of the given format. For WAV the 16-bit mono PCM header fields are
// read when present; for MP3 a fixed-bitrate estimate is used. Returns 0
// when no estimate is possible.
func EstimateDuration(blob []byte, format string) float64 {
	switch format {
	case "mp3":
		return float64(len(blob)) / mp3BytesPerSecond
	case "wav":
		if len(blob) <= 44 {
			return 0
		}
		rate := wavByteRate(blob)
		if rate <= 0 {
			return 0
		}
		return float64(len(blob)-44) / float64(rate)
	}
	return 0
}

// wavByteRate extracts the byte-rate field from a canonical 44-byte RIFF
// header. Returns 0 for malformed headers.
func wavByteRate(blob []byte) int {
	if len(blob) < 32 || string(blob[:4]) != "RIFF" {
		return 0
	}
	return int(blob[28]) | int(blob[29])<<8 | int(blob[30])<<16 | int(blob[31])<<24
}

// Metadata describes a synthesized audio blob as carried on stream records.
type Metadata struct {
	Format    string  `json:"format"`
	SizeBytes int     `json:"size_bytes"`
	DurationS float64 `json:"duration_s"`
	Engine    string  `json:"engine"`
}

// NewMetadata builds a [Metadata] for blob. When format is empty it is
// sniffed from the blob contents.
func NewMetadata(blob []byte, format, engine string) Metadata {
	if format == "" {
		format = SniffFormat(blob)
	}
	return Metadata{
		Format:    format,
		SizeBytes: len(blob),
		DurationS: EstimateDuration(blob, format),
		Engine:    engine,
	}
}
