// Package reply defines the Generator interface for conversational reply
// backends.
//
// A Generator turns one user utterance into one short assistant reply. The
// interface is deliberately narrow: no chat history, no tool calls, no
// streaming. Each call carries the full system instructions plus the single
// utterance, so backends stay stateless and interchangeable, and a fallback
// chain can hop between them mid-call without handing over context.
//
// Implementations must return an error rather than an empty string; a chain
// advances on any error and the caller supplies the final apology text when
// every backend fails.
//
// Implementations must be safe for concurrent use.
package reply

import "context"

// DefaultMaxTokens bounds generated replies. Roughly two short spoken
// sentences, which is as much as a caller tolerates before interrupting.
const DefaultMaxTokens = 220

// Generator is the abstraction over any reply backend.
type Generator interface {
	// Generate returns the assistant reply for a single user utterance.
	// instructions is the assembled system prompt. A nil error implies a
	// non-empty reply.
	Generate(ctx context.Context, instructions, userText string) (string, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}
