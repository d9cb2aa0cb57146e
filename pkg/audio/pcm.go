package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToPCM16 encodes float32 samples as 16-bit signed little-endian PCM.
// Samples are clamped to [-1, 1] before scaling.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat32 decodes 16-bit signed little-endian PCM into float32
// samples in [-1, 1). A trailing odd byte is treated as the low byte of a
// final sample whose high byte is zero, so any input length is accepted.
func PCM16ToFloat32(data []byte) []float32 {
	if len(data)%2 != 0 {
		padded := make([]byte, len(data)+1)
		copy(padded, data)
		data = padded
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// RMS computes the root mean square level of a 16-bit little-endian PCM
// block, normalized to [0, 1]. Useful for level metering.
func RMS(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}

	var sum float64
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(chunk)/2))
}
