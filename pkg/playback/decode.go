package playback

import (
	"bytes"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/mohit-ai/voicelink/pkg/audio"
)

// DecodeChunk converts a raw audio payload into a playable clip. MP3 data is
// decoded in software so both encodings land on the same queue and timeline;
// PCM data is interpreted as 16-bit little-endian at sampleRate.
func DecodeChunk(data []byte, enc audio.Encoding, sampleRate int) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("empty audio payload")
	}

	switch enc {
	case audio.EncodingMP3:
		return decodeMP3(data)
	default:
		return Clip{Samples: audio.PCM16ToFloat32(data), SampleRate: sampleRate}, nil
	}
}

func decodeMP3(data []byte) (Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Clip{}, fmt.Errorf("mp3 decode: %w", err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return Clip{}, fmt.Errorf("mp3 decode: %w", err)
	}

	// go-mp3 always emits 16-bit stereo; downmix to mono.
	stereo := audio.PCM16ToFloat32(raw)
	mono := make([]float32, len(stereo)/2)
	for i := range mono {
		mono[i] = (stereo[2*i] + stereo[2*i+1]) / 2
	}

	return Clip{Samples: mono, SampleRate: dec.SampleRate()}, nil
}
