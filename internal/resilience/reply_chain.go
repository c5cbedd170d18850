package resilience

import (
	"context"
	"strings"

	"github.com/leadline-voice/leadline/pkg/provider/reply"
)

// ReplyChain implements [reply.Generator] with automatic failover across
// multiple reply backends. Each backend has its own circuit breaker; when
// the primary fails, returns empty text, or its breaker is open, the next
// healthy backend is tried. A typical chain is the Hebrew-optimized endpoint
// first, then the general backends.
type ReplyChain struct {
	group *FallbackGroup[reply.Generator]
}

// Compile-time interface assertion.
var _ reply.Generator = (*ReplyChain)(nil)

// NewReplyChain creates a [ReplyChain] with primary as the preferred
// backend. The backend's own Name labels its breaker.
func NewReplyChain(primary reply.Generator, cfg FallbackConfig) *ReplyChain {
	return &ReplyChain{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional reply backend as a fallback.
func (c *ReplyChain) AddFallback(g reply.Generator) {
	c.group.AddFallback(g.Name(), g)
}

// Generate asks the first healthy backend for a reply. Backends that error
// are skipped; the caller sees [ErrAllFailed] only when the whole chain is
// down and substitutes its fixed apology line.
func (c *ReplyChain) Generate(ctx context.Context, instructions, userText string) (string, error) {
	return ExecuteWithResult(ctx, c.group, func(g reply.Generator) (string, error) {
		return g.Generate(ctx, instructions, userText)
	})
}

// Name lists the chained backends in trial order.
func (c *ReplyChain) Name() string {
	return "chain(" + strings.Join(c.group.Names(), ",") + ")"
}
