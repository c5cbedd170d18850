package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/leadline-voice/leadline/pkg/provider/asr"
	"github.com/leadline-voice/leadline/pkg/provider/reply"
	"github.com/leadline-voice/leadline/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	asr   map[string]func(ProviderEntry) (asr.Provider, error)
	reply map[string]func(ProviderEntry) (reply.Generator, error)
	tts   map[string]func(ProviderEntry) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:   make(map[string]func(ProviderEntry) (asr.Provider, error)),
		reply: make(map[string]func(ProviderEntry) (reply.Generator, error)),
		tts:   make(map[string]func(ProviderEntry) (tts.Provider, error)),
	}
}

// RegisterASR registers a recognition provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory func(ProviderEntry) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterReply registers a reply generator factory under name.
func (r *Registry) RegisterReply(name string, factory func(ProviderEntry) (reply.Generator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reply[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateASR instantiates a recognition provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateReply instantiates a reply generator using the factory registered under entry.Name.
func (r *Registry) CreateReply(entry ProviderEntry) (reply.Generator, error) {
	r.mu.RLock()
	factory, ok := r.reply[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: reply/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
