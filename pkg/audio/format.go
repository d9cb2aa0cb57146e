package audio

import (
	"fmt"
	"strconv"
	"strings"
)

// Encoding identifies the wire encoding of an audio chunk.
type Encoding string

const (
	EncodingPCM Encoding = "pcm"
	EncodingMP3 Encoding = "mp3"
)

// DefaultFormat is assumed when the server never announces an output format.
const DefaultFormat = "pcm_48000"

// ParseFormat parses a format tag like "pcm_48000" or "mp3_44100_128" into
// its encoding and sample rate. Trailing segments (bitrate etc.) are ignored.
func ParseFormat(tag string) (Encoding, int, error) {
	parts := strings.Split(tag, "_")
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("malformed audio format tag %q", tag)
	}

	enc := Encoding(parts[0])
	switch enc {
	case EncodingPCM, EncodingMP3:
	default:
		return "", 0, fmt.Errorf("unsupported audio encoding %q", parts[0])
	}

	rate, err := strconv.Atoi(parts[1])
	if err != nil || rate <= 0 {
		return "", 0, fmt.Errorf("invalid sample rate in format tag %q", tag)
	}

	return enc, rate, nil
}

// IsMP3 reports whether data begins with an MPEG audio frame sync
// (0xFF followed by three more set bits, e.g. 0xFF 0xFB) or an ID3v2 tag.
// Servers have been observed sending MP3 frames under a pcm_* format tag, so
// the signature check takes precedence over the declared format.
func IsMP3(data []byte) bool {
	if len(data) >= 3 && data[0] == 'I' && data[1] == 'D' && data[2] == '3' {
		return true
	}
	if len(data) < 2 {
		return false
	}
	return data[0] == 0xFF && data[1]&0xE0 == 0xE0
}
