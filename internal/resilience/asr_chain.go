package resilience

import (
	"context"

	"github.com/leadline-voice/leadline/pkg/provider/asr"
)

// TranscribeChain implements [asr.Provider] with automatic failover across
// multiple transcription backends. Each backend has its own circuit
// breaker. Only the connection attempt participates in failover; once a
// session is established, its errors are the session owner's to handle.
type TranscribeChain struct {
	group *FallbackGroup[asr.Provider]
}

// Compile-time interface assertion.
var _ asr.Provider = (*TranscribeChain)(nil)

// NewTranscribeChain creates a [TranscribeChain] with primary as the
// preferred backend.
func NewTranscribeChain(primary asr.Provider, primaryName string, cfg FallbackConfig) *TranscribeChain {
	return &TranscribeChain{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription backend.
func (c *TranscribeChain) AddFallback(name string, provider asr.Provider) {
	c.group.AddFallback(name, provider)
}

// Connect opens a transcription session against the first healthy backend.
func (c *TranscribeChain) Connect(ctx context.Context, cfg asr.Config) (asr.Session, error) {
	return ExecuteWithResult(ctx, c.group, func(p asr.Provider) (asr.Session, error) {
		return p.Connect(ctx, cfg)
	})
}
