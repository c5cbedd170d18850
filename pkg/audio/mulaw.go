// Package audio provides the codec bridge for the telephony media path:
// G.711 μ-law 8 kHz wire audio on one side, linear 16-bit PCM for the AI
// services on the other, plus the sample-rate conversions between them.
package audio

import (
	"encoding/binary"
	"time"

	"github.com/zaf/g711"
)

const (
	// SampleRate is the wire sample rate in Hz.
	SampleRate = 8000

	// FrameBytes is the payload size of one 20 ms μ-law frame at 8 kHz.
	FrameBytes = 160

	// FrameDuration is the wall-clock length of one frame.
	FrameDuration = 20 * time.Millisecond

	// SilenceByte is the μ-law encoding of a zero sample.
	SilenceByte = 0xFF
)

// DecodeMulaw decodes G.711 μ-law bytes to 16-bit linear PCM samples.
// One output sample per input byte.
func DecodeMulaw(mu []byte) []int16 {
	out := make([]int16, len(mu))
	for i, b := range mu {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// EncodeMulaw encodes 16-bit linear PCM samples to G.711 μ-law bytes.
// One output byte per input sample; samples beyond the μ-law clip level
// saturate.
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

// SamplesToBytes converts int16 samples to little-endian byte representation.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples converts little-endian 16-bit PCM bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// SilenceMulaw returns whole frames of μ-law silence covering at least d.
// The length is rounded up to a full 20 ms frame; d <= 0 yields nil.
func SilenceMulaw(d time.Duration) []byte {
	if d <= 0 {
		return nil
	}
	frames := int((d + FrameDuration - 1) / FrameDuration)
	buf := make([]byte, frames*FrameBytes)
	for i := range buf {
		buf[i] = SilenceByte
	}
	return buf
}
