// Package asr defines the Provider interface for realtime speech
// recognition backends.
//
// An ASR provider wraps a streaming recognition service behind one WebSocket
// session per call. A session accepts raw G.711 μ-law audio exactly as it
// arrives from the carrier and emits completed utterances once the service's
// voice-activity detection decides the caller finished speaking. Partial
// hypotheses are an implementation detail of each provider; only committed
// utterances cross this interface.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"time"
)

// Config describes one recognition session over a call's audio.
type Config struct {
	// Language is the expected speech language as a BCP-47 tag (e.g. "he",
	// "en-US"). Empty lets the provider auto-detect when supported.
	Language string

	// Instructions is the agent prompt for providers whose recognition
	// endpoint also hosts a conversational model. Providers without a
	// prompt surface ignore it.
	Instructions string

	// VADThreshold tunes server-side speech detection sensitivity in the
	// range 0..1. Zero selects the provider default of 0.75.
	VADThreshold float64

	// VADSilence is how much trailing silence commits an utterance.
	// Zero selects the provider default of 700 ms.
	VADSilence time.Duration

	// VADPrefix is how much audio before detected speech onset is kept.
	// Zero selects the provider default of 150 ms. Providers without a
	// prefix control ignore it.
	VADPrefix time.Duration
}

// Transcript is one committed user utterance.
type Transcript struct {
	// Text is the recognized speech.
	Text string

	// Confidence is the provider's score in 0..1, zero when unreported.
	Confidence float64

	// At is when the utterance was committed.
	At time.Time
}

// Session is one live recognition stream over a call's audio.
//
// Callers must call Close when the session is no longer needed; failing to
// do so leaks the provider connection. All methods are safe for concurrent
// use.
type Session interface {
	// SendAudio forwards raw μ-law 8 kHz bytes from the carrier leg.
	// Implementations convert to their negotiated wire format internally.
	// Calling SendAudio after Close returns an error.
	SendAudio(mulaw []byte) error

	// CancelReply asks the service to abandon any reply it is generating.
	// Providers without server-side reply generation return nil.
	CancelReply() error

	// Transcripts delivers committed utterances in order. The channel is
	// closed when the session ends.
	Transcripts() <-chan Transcript

	// OnError registers a callback for non-fatal provider errors. Fatal
	// transport errors end the session instead and surface through Err.
	OnError(func(error))

	// Done is closed when the session has terminated for any reason.
	Done() <-chan struct{}

	// Err returns the terminal error, or nil after a clean Close.
	Err() error

	// Close tears the session down. Idempotent.
	Close() error
}

// Provider is the abstraction over any realtime recognition backend.
type Provider interface {
	// Connect opens a recognition session. The returned Session is ready
	// to accept audio immediately.
	Connect(ctx context.Context, cfg Config) (Session, error)
}
