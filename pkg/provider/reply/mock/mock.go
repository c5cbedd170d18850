// Package mock provides a test double for the reply interfaces.
//
// Generator records every request and serves configurable replies:
//
//	gen := mock.NewGenerator("בסדר גמור")
//	// ... hand gen to the code under test ...
//	calls := gen.GenerateCalls()
package mock

import (
	"context"
	"sync"

	"github.com/leadline-voice/leadline/pkg/provider/reply"
)

// Compile-time assertion that Generator satisfies the reply interface.
var _ reply.Generator = (*Generator)(nil)

// GenerateCall records one Generate invocation.
type GenerateCall struct {
	Instructions string
	UserText     string
}

// Generator is a mock reply.Generator.
type Generator struct {
	// Reply is the text returned by Generate.
	Reply string

	// ReplyFunc, when set, supplies per-call replies instead of Reply.
	ReplyFunc func(userText string) (string, error)

	// GenerateErr, when set, is returned by Generate.
	GenerateErr error

	// GeneratorName is what Name reports. Defaults to "mock".
	GeneratorName string

	mu    sync.Mutex
	calls []GenerateCall
}

// NewGenerator creates a Generator that answers every request with text.
func NewGenerator(text string) *Generator {
	return &Generator{Reply: text}
}

// Generate records the call and returns the configured reply.
func (g *Generator) Generate(_ context.Context, instructions, userText string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, GenerateCall{Instructions: instructions, UserText: userText})
	g.mu.Unlock()

	if g.GenerateErr != nil {
		return "", g.GenerateErr
	}
	if g.ReplyFunc != nil {
		return g.ReplyFunc(userText)
	}
	return g.Reply, nil
}

// Name identifies this backend in logs.
func (g *Generator) Name() string {
	if g.GeneratorName == "" {
		return "mock"
	}
	return g.GeneratorName
}

// GenerateCalls returns a copy of all recorded Generate calls.
func (g *Generator) GenerateCalls() []GenerateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GenerateCall, len(g.calls))
	copy(out, g.calls)
	return out
}

// ResetCalls clears the recorded Generate calls.
func (g *Generator) ResetCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
}
