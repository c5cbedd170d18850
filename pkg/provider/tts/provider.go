// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service and exposes one
// conversational reply at a time as a lazy audio stream. The stream starts
// flowing before synthesis of the whole text has finished, which keeps the
// delay between reply generation and first audible speech low. Callers are
// expected to read the stream incrementally and push it into the playout
// path as it arrives.
//
// Providers report their wire format through Format. Downstream conversion
// to 8 kHz μ-law for the telephone leg is the caller's job, so a provider
// may synthesize at a higher quality than the line can carry.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"io"
)

// Format identifies the audio encoding a provider emits.
type Format string

const (
	// FormatULaw8000 is 8 kHz G.711 μ-law, ready for the telephone leg.
	FormatULaw8000 Format = "ulaw_8000"

	// FormatPCM24000 is 24 kHz 16-bit little-endian PCM. Higher synthesis
	// quality; must be downsampled and companded before playout.
	FormatPCM24000 Format = "pcm_24000"
)

// Voice describes a synthesis voice and its delivery settings.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Stability controls delivery consistency (0–1, 0 means provider default).
	Stability float64

	// SimilarityBoost controls adherence to the voice timbre (0–1, 0 means
	// provider default).
	SimilarityBoost float64

	// Style exaggerates the voice's speaking style (0–1).
	Style float64

	// SpeakerBoost enables the provider's speaker clarity enhancement.
	SpeakerBoost bool

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize requests speech for text in the given voice and returns the
	// audio as a lazy stream in the provider's Format. The caller must close
	// the returned reader. A non-nil error means no synthesis was started
	// and nothing needs closing.
	Synthesize(ctx context.Context, text string, voice Voice) (io.ReadCloser, error)

	// Format reports the encoding of streams returned by Synthesize.
	Format() Format
}

// VoiceLister is an optional capability of providers that can enumerate
// their available voices. At startup the gateway probes it to confirm that
// configured voice IDs exist.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}
