package audio

import "math"

// Resample converts a mono float32 sample block from fromRate to toRate using
// linear interpolation. The output has round(len(in) * toRate / fromRate)
// samples. When an interpolation neighbor would fall past the end of the
// input, the last sample is reused rather than wrapping or zero-filling.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if len(in) == 0 {
		return nil
	}

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	out := make([]float32, outLen)

	for i := range out {
		pos := float64(i) / ratio
		left := int(pos)
		if left >= len(in) {
			left = len(in) - 1
		}
		right := left + 1
		if right >= len(in) {
			right = len(in) - 1
		}
		frac := float32(pos - float64(left))
		out[i] = in[left] + frac*(in[right]-in[left])
	}

	return out
}
