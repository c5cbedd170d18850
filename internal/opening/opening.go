// Package opening caches the synthesized opening script. The first thing
// every call hears is the same fixed text, so the audio is synthesized once
// and replayed from memory, cutting the silence before the greeting from a
// full synthesis round-trip to nothing.
package opening

import (
	"context"
	"fmt"
	"sync"

	"github.com/leadline-voice/leadline/internal/speech"
)

// speaker is the slice of [speech.Speaker] the cache needs.
type speaker interface {
	Speak(ctx context.Context, text string, sink speech.Sink) error
}

// Cache holds the wire-ready audio of one opening script. Safe for
// concurrent use; Warm may be called again when the script changes.
type Cache struct {
	mu   sync.RWMutex
	text string
	data []byte
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Warm synthesizes text through sp and stores the result. On failure the
// previously cached audio is kept, so a transient synthesis outage during a
// reload does not evict a working cache.
func (c *Cache) Warm(ctx context.Context, sp speaker, text string) error {
	var sink byteSink
	if err := sp.Speak(ctx, text, &sink); err != nil {
		return fmt.Errorf("opening: warm cache: %w", err)
	}
	c.mu.Lock()
	c.text = text
	c.data = sink.buf
	c.mu.Unlock()
	return nil
}

// Lookup returns the cached audio for text, or nil when the cache holds a
// different script or was never warmed. The returned slice is shared;
// callers must not modify it.
func (c *Cache) Lookup(text string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if text != c.text || len(c.data) == 0 {
		return nil
	}
	return c.data
}

// byteSink accumulates one utterance in memory.
type byteSink struct {
	buf []byte
}

func (s *byteSink) Enqueue(b []byte) { s.buf = append(s.buf, b...) }
func (s *byteSink) Flush()           {}
