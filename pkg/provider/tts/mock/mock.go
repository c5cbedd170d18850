// Package mock provides a test double for the tts interfaces.
//
// Provider records every synthesis request and serves configurable audio:
//
//	prov := mock.NewProvider([]byte{0xFF, 0xFF})
//	// ... hand prov to the code under test ...
//	calls := prov.SynthesizeCalls()
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/leadline-voice/leadline/pkg/provider/tts"
)

// Compile-time assertion that Provider satisfies the tts interface.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records one Synthesize invocation.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Provider is a mock tts.Provider.
type Provider struct {
	// Audio is the stream content returned by Synthesize.
	Audio []byte

	// AudioFunc, when set, supplies per-call audio instead of Audio.
	AudioFunc func(text string) []byte

	// SynthesizeErr, when set, is returned by Synthesize.
	SynthesizeErr error

	// OutputFormat is what Format reports. Defaults to tts.FormatULaw8000.
	OutputFormat tts.Format

	mu    sync.Mutex
	calls []SynthesizeCall
}

// NewProvider creates a Provider that streams audio for every request.
func NewProvider(audio []byte) *Provider {
	return &Provider{Audio: audio}
}

// Synthesize records the call and returns the configured audio as a stream.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.Voice) (io.ReadCloser, error) {
	p.mu.Lock()
	p.calls = append(p.calls, SynthesizeCall{Text: text, Voice: voice})
	p.mu.Unlock()

	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	audio := p.Audio
	if p.AudioFunc != nil {
		audio = p.AudioFunc(text)
	}
	return io.NopCloser(bytes.NewReader(audio)), nil
}

// Format reports the configured output format.
func (p *Provider) Format() tts.Format {
	if p.OutputFormat == "" {
		return tts.FormatULaw8000
	}
	return p.OutputFormat
}

// SynthesizeCalls returns a copy of all recorded Synthesize calls.
func (p *Provider) SynthesizeCalls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// ResetCalls clears the recorded Synthesize calls.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
