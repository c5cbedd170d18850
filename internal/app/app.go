// Package app wires all Leadline subsystems into a running service.
//
// The App struct owns the full lifecycle: New assembles the provider
// failover chains, the speech pipeline, outcome delivery, caller history,
// and the carrier-facing gateway; Handler exposes the HTTP surface for the
// server in main; Shutdown drains live calls and tears everything down in
// order.
//
// For testing, inject mock implementations via functional options
// (WithSpeaker, WithDelivery, etc.). When an option is not provided, New
// builds the real collaborator from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/leadline-voice/leadline/internal/carrier"
	"github.com/leadline-voice/leadline/internal/config"
	"github.com/leadline-voice/leadline/internal/finalize"
	"github.com/leadline-voice/leadline/internal/gateway"
	"github.com/leadline-voice/leadline/internal/health"
	"github.com/leadline-voice/leadline/internal/history"
	"github.com/leadline-voice/leadline/internal/observe"
	"github.com/leadline-voice/leadline/internal/opening"
	"github.com/leadline-voice/leadline/internal/resilience"
	"github.com/leadline-voice/leadline/internal/session"
	"github.com/leadline-voice/leadline/internal/speech"
	"github.com/leadline-voice/leadline/pkg/provider/asr"
	"github.com/leadline-voice/leadline/pkg/provider/reply"
	"github.com/leadline-voice/leadline/pkg/provider/tts"
)

// Providers holds the raw provider implementations selected by the
// configuration. Populated by main via the config registry. Fallback slots
// may be nil; each primary is required unless the corresponding pipeline
// stage is injected with an Option.
type Providers struct {
	ASR         asr.Provider
	ASRFallback asr.Provider

	Reply         reply.Generator
	ReplyFallback reply.Generator

	TTS         tts.Provider
	TTSFallback tts.Provider
}

// App owns all subsystem lifetimes behind the carrier-facing HTTP surface.
type App struct {
	providers *Providers
	metrics   *observe.Metrics

	// cfg is the live configuration. Guarded by mu so a reload can swap
	// the call policy under running traffic; each call reads it at accept.
	mu  sync.RWMutex
	cfg *config.Config

	// Collaborators — initialised in New, torn down in Shutdown.
	recognizer asr.Provider
	replier    reply.Generator
	synth      speech.Synthesizer
	speaker    session.Speaker
	delivery   finalize.Delivery
	store      history.Store
	finalizer  *finalize.Finalizer
	opening    *opening.Cache
	ack        *opening.Cache
	sessions   *session.Manager
	health     *health.Handler
	gateway    *gateway.Gateway

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSpeaker injects a speech pipeline instead of building one over the
// configured TTS chain. The TTS provider slots are then ignored.
func WithSpeaker(sp session.Speaker) Option {
	return func(a *App) { a.speaker = sp }
}

// WithDelivery injects an outcome delivery instead of creating one from
// the webhook config.
func WithDelivery(d finalize.Delivery) Option {
	return func(a *App) { a.delivery = d }
}

// WithHistoryStore injects a caller-history store instead of opening a
// connection pool from the config DSN.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main (populated via the config registry). Use Option
// functions to inject test doubles for any collaborator.
//
// New performs all initialisation synchronously: chain assembly, history
// store connection, outcome delivery, opening audio warmup, and the
// gateway. A warmup failure is logged, not fatal; affected calls stream
// the opening live instead.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Provider chains ───────────────────────────────────────────────
	if err := a.initChains(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Speech pipeline ───────────────────────────────────────────────
	a.initSpeech()

	// ── 3. Caller history ────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Outcome delivery ──────────────────────────────────────────────
	if err := a.initFinalizer(); err != nil {
		return nil, fmt.Errorf("app: init finalizer: %w", err)
	}

	// ── 5. Opening audio ─────────────────────────────────────────────────
	a.warmCaches(ctx)

	// ── 6. Gateway ───────────────────────────────────────────────────────
	a.initGateway()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initChains wraps the configured providers in their failover chains.
func (a *App) initChains() error {
	fb := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{Kind: kind, Metrics: a.metrics}
	}

	if a.providers.ASR == nil {
		return fmt.Errorf("providers.asr is not configured")
	}
	asrChain := resilience.NewTranscribeChain(a.providers.ASR, a.cfg.Providers.ASR.Name, fb("asr"))
	if a.providers.ASRFallback != nil {
		asrChain.AddFallback(a.cfg.Providers.ASRFallback.Name, a.providers.ASRFallback)
	}
	a.recognizer = asrChain

	if a.providers.Reply == nil {
		return fmt.Errorf("providers.reply is not configured")
	}
	replyChain := resilience.NewReplyChain(a.providers.Reply, fb("reply"))
	if a.providers.ReplyFallback != nil {
		replyChain.AddFallback(a.providers.ReplyFallback)
	}
	a.replier = replyChain

	// The TTS chain is only needed when the speech pipeline is not injected.
	if a.speaker == nil {
		if a.providers.TTS == nil {
			return fmt.Errorf("providers.tts is not configured")
		}
		speechChain := resilience.NewSpeechChain(
			a.cfg.Providers.TTS.Name, a.providers.TTS, ttsVoice(a.cfg.Providers.TTS), fb("tts"))
		if a.providers.TTSFallback != nil {
			speechChain.AddFallback(
				a.cfg.Providers.TTSFallback.Name, a.providers.TTSFallback, ttsVoice(a.cfg.Providers.TTSFallback))
		}
		a.synth = speechChain
	}

	return nil
}

// ttsVoice builds the voice profile for a TTS provider entry.
func ttsVoice(entry config.ProviderEntry) tts.Voice {
	return tts.Voice{ID: entry.Voice}
}

// initSpeech builds the speech pipeline over the TTS chain.
func (a *App) initSpeech() {
	if a.speaker != nil {
		return
	}

	chunkChars := 0
	if a.cfg.Speech.Chunking {
		chunkChars = a.cfg.Speech.ChunkChars
	}
	tail := time.Duration(-1)
	if ms := a.cfg.Speech.TailSilenceMS; ms > 0 {
		tail = time.Duration(ms) * time.Millisecond
	}

	a.speaker = speech.New(a.synth, speech.Config{
		ChunkChars: chunkChars,
		Tail:       tail,
		OnSynthesis: func(wait time.Duration, err error) {
			if err == nil {
				a.metrics.TTSDuration.Record(context.Background(), wait.Seconds())
			}
		},
		Logger: slog.Default(),
	})
}

// initHistory opens the caller-history store, or leaves it nil when no DSN
// is configured.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		return nil
	}

	pg, err := history.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	slog.Info("caller history connected")
	return nil
}

// initFinalizer sets up outcome delivery and the finalizer.
func (a *App) initFinalizer() error {
	if a.delivery == nil {
		if url := a.cfg.Webhook.URL; url != "" {
			d, err := finalize.NewWebhookDelivery(url, time.Duration(a.cfg.Webhook.TimeoutMS)*time.Millisecond)
			if err != nil {
				return err
			}
			a.delivery = d
			slog.Info("webhook delivery configured", "url", url)
		} else {
			a.delivery = finalize.NewLogDelivery(slog.Default())
			slog.Info("no webhook configured, outcomes are logged")
		}
	}

	a.finalizer = finalize.New(a.delivery, a.store, finalize.Config{
		Language: a.cfg.Call.Language,
		OnOutcome: func(outcome string) {
			a.metrics.RecordFinalization(context.Background(), outcome)
		},
		Logger: slog.Default(),
	})
	return nil
}

// warmCaches pre-synthesizes the opening and acknowledgement audio so the
// first frames of a call come from memory. Best-effort: on failure the
// session streams the text live instead.
func (a *App) warmCaches(ctx context.Context) {
	a.checkConfiguredVoices(ctx)

	a.opening = opening.NewCache()
	a.ack = opening.NewCache()

	if s := a.cfg.Call.OpeningScript; s != "" && a.cfg.Call.CacheOpening() {
		if err := a.opening.Warm(ctx, a.speaker, s); err != nil {
			slog.Warn("opening warmup failed, calls will stream it live", "err", err)
		}
	}
	if t := a.cfg.Call.AckText; t != "" && a.cfg.Call.AckEnabled {
		if err := a.ack.Warm(ctx, a.speaker, t); err != nil {
			slog.Warn("ack warmup failed, calls will stream it live", "err", err)
		}
	}
}

// checkConfiguredVoices asks each TTS provider that can enumerate voices
// whether its configured voice ID exists. Best-effort: a failed listing or
// an unknown ID is logged and boot continues; synthesis surfaces the real
// error on first use.
func (a *App) checkConfiguredVoices(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries := []config.ProviderEntry{a.cfg.Providers.TTS, a.cfg.Providers.TTSFallback}
	for i, p := range []tts.Provider{a.providers.TTS, a.providers.TTSFallback} {
		entry := entries[i]
		lister, ok := p.(tts.VoiceLister)
		if !ok || entry.Voice == "" {
			continue
		}
		voices, err := lister.ListVoices(ctx)
		if err != nil {
			slog.Warn("voice listing failed", "provider", entry.Name, "err", err)
			continue
		}
		known := false
		for _, v := range voices {
			if v.ID == entry.Voice {
				known = true
				break
			}
		}
		if !known {
			slog.Warn("configured voice not found on provider",
				"provider", entry.Name, "voice", entry.Voice)
		}
	}
}

// initGateway builds the session registry, the health endpoints, and the
// HTTP surface.
func (a *App) initGateway() {
	a.sessions = session.NewManager()
	a.health = health.New(a.healthCheckers()...)
	a.health.Stat("active_calls", a.sessions.Len)

	a.gateway = gateway.New(gateway.Config{
		StreamURL:  a.cfg.Server.MediaStreamURL(),
		NewSession: a.newSession,
		Sessions:   a.sessions,
		Health:     a.health,
		Metrics:    a.metrics,
		Logger:     slog.Default(),
	})
}

// healthCheckers lists the readiness probes for the configured dependencies.
func (a *App) healthCheckers() []health.Checker {
	var checks []health.Checker
	if pg, ok := a.store.(*history.Postgres); ok {
		checks = append(checks, health.Checker{Name: "history", Check: pg.Ping})
	}
	return checks
}

// ─── Calls ───────────────────────────────────────────────────────────────────

// newSession builds the per-call session from the current policy.
func (a *App) newSession(conn *carrier.Conn) *session.Session {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()

	return session.New(conn, session.Providers{
		Recognizer: a.recognizer,
		Reply:      a.replier,
		Speaker:    a.speaker,
		Opening:    a.opening,
		Ack:        a.ack,
		Finalizer:  a.finalizer,
		History:    a.store,
	}, a.sessionConfig(cfg))
}

// sessionConfig projects the file configuration onto the per-call policy.
func (a *App) sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Language:      cfg.Call.Language,
		Instructions:  cfg.Call.Instructions,
		OpeningScript: cfg.Call.OpeningScript,
		AckText:       cfg.Call.AckText,
		ApologyText:   cfg.Call.ApologyText,
		WrapupText:    cfg.Call.WrapupText,
		AllowBargeIn:  cfg.Call.AllowBargeIn,
		AckEnabled:    cfg.Call.AckEnabled,
		NoBargeTail:   millis(cfg.Call.NoBargeTailMS),
		Prebuffer:     millis(cfg.Audio.PrebufferMS),
		IdleHangup:    millis(cfg.Call.IdleHangupMS),
		MaxCall:       millis(cfg.Call.MaxCallMS),
		MaxCallWarn:   millis(cfg.Call.MaxCallWarnMS),
		VADThreshold:  cfg.VAD.Threshold,
		VADSilence:    millis(cfg.VAD.SilenceMS),
		VADPrefix:     millis(cfg.VAD.PrefixMS),
		Metrics:       a.metrics,
		Logger:        slog.Default(),
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Handler returns the carrier-facing HTTP surface for the server in main.
func (a *App) Handler() http.Handler {
	return a.gateway.Routes()
}

// Sessions returns the live-call registry.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig installs a reloaded configuration. Provider selection is
// fixed at boot; everything else takes effect for new calls, and changed
// cached audio is re-synthesized. Log level changes are handled by main,
// which owns the handler.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.OpeningChanged {
		if s := next.Call.OpeningScript; s != "" && next.Call.CacheOpening() {
			if err := a.opening.Warm(ctx, a.speaker, s); err != nil {
				slog.Warn("opening warmup failed after reload", "err", err)
			}
		}
	}
	if d.AckChanged {
		if t := next.Call.AckText; t != "" && next.Call.AckEnabled {
			if err := a.ack.Warm(ctx, a.speaker, t); err != nil {
				slog.Warn("ack warmup failed after reload", "err", err)
			}
		}
	}
	if d.PolicyChanged {
		slog.Info("call policy updated, applies to new calls")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for live calls to end, then tears down the subsystems in
// order. It respects the context deadline: if ctx expires while calls are
// still live the remaining sessions are left to their own teardown, and if
// it expires mid-teardown the remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.sessions.Len())

		// Let in-flight calls finish first.
		if err := a.sessions.Drain(ctx); err != nil {
			slog.Warn("drain incomplete", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
