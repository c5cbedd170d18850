package audio

// Upsample2x doubles the sample rate of mono 16-bit PCM using linear
// interpolation between adjacent samples. Output length is exactly twice the
// input length; the final sample is repeated for the last interpolation
// point.
func Upsample2x(pcm []int16) []int16 {
	if len(pcm) == 0 {
		return nil
	}
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		if i+1 < len(pcm) {
			out[i*2+1] = int16((int32(s) + int32(pcm[i+1])) / 2)
		} else {
			out[i*2+1] = s
		}
	}
	return out
}

// Downsample3x reduces the sample rate of mono 16-bit PCM by a factor of
// three, replacing each block of three samples with their average. Trailing
// samples that do not fill a block are discarded; output length is
// len(pcm)/3. Uses int32 arithmetic to prevent overflow.
func Downsample3x(pcm []int16) []int16 {
	n := len(pcm) / 3
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := range n {
		sum := int32(pcm[i*3]) + int32(pcm[i*3+1]) + int32(pcm[i*3+2])
		out[i] = int16(sum / 3)
	}
	return out
}
