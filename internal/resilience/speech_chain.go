package resilience

import (
	"context"
	"io"

	"github.com/leadline-voice/leadline/pkg/provider/tts"
)

// speechTarget pairs a synthesis provider with a concrete voice. Failover
// runs over targets rather than providers so a chain can demote to a backup
// voice on the same vendor or hop vendors entirely.
type speechTarget struct {
	provider tts.Provider
	voice    tts.Voice
}

// SpeechChain provides speech synthesis with automatic failover across
// (provider, voice) pairs. Each target has its own circuit breaker. The
// audio format rides along with the stream because targets on different
// vendors may emit different encodings.
type SpeechChain struct {
	group *FallbackGroup[speechTarget]
}

// NewSpeechChain creates a [SpeechChain] with the given provider and voice
// as the preferred target.
func NewSpeechChain(name string, provider tts.Provider, voice tts.Voice, cfg FallbackConfig) *SpeechChain {
	return &SpeechChain{
		group: NewFallbackGroup(speechTarget{provider: provider, voice: voice}, name, cfg),
	}
}

// AddFallback registers an additional (provider, voice) target.
func (c *SpeechChain) AddFallback(name string, provider tts.Provider, voice tts.Voice) {
	c.group.AddFallback(name, speechTarget{provider: provider, voice: voice})
}

// Synthesize requests speech from the first healthy target. Only the
// request itself participates in failover; once a stream is established,
// mid-stream read errors are the caller's responsibility.
func (c *SpeechChain) Synthesize(ctx context.Context, text string) (io.ReadCloser, tts.Format, error) {
	type synthOut struct {
		stream io.ReadCloser
		format tts.Format
	}
	out, err := ExecuteWithResult(ctx, c.group, func(t speechTarget) (synthOut, error) {
		stream, err := t.provider.Synthesize(ctx, text, t.voice)
		if err != nil {
			return synthOut{}, err
		}
		return synthOut{stream: stream, format: t.provider.Format()}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return out.stream, out.format, nil
}
