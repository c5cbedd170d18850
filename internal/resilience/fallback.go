package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leadline-voice/leadline/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup], and optionally per-attempt metrics.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind labels request and error metrics with the provider family,
	// e.g. "asr", "reply", "tts".
	Kind string

	// Metrics receives one request count per attempted entry and one error
	// count per failed attempt. Nil disables recording.
	Metrics *observe.Metrics
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails (or its circuit breaker is
// open), the next healthy fallback is tried in registration order.
//
// Entries must all be registered before the first Execute; the group is
// then safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first
// entry. Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if m := fg.cfg.Metrics; m != nil {
		kind := fg.cfg.Kind
		cbCfg.OnStateChange = func(name string, _, to State) {
			m.RecordBreakerState(context.Background(), name, kind, int64(to))
		}
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in trial order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i := range fg.entries {
		names[i] = fg.entries[i].name
	}
	return names
}

// record counts one attempt against the named entry. Entries skipped on an
// open breaker are not counted: no request went out.
func (fg *FallbackGroup[T]) record(ctx context.Context, name string, err error) {
	if fg.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	fg.cfg.Metrics.RecordProviderRequest(ctx, name, fg.cfg.Kind, status)
	if err != nil {
		fg.cfg.Metrics.RecordProviderError(ctx, name, fg.cfg.Kind)
	}
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] wrapped
// with the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		if err == nil {
			fg.record(ctx, entry.name, nil)
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			fg.record(ctx, entry.name, err)
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds, returning both the result value and error. This is a
// package-level function because Go does not support method-level type
// parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			fg.record(ctx, entry.name, nil)
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			fg.record(ctx, entry.name, err)
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
