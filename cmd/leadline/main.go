// Command leadline is the main entry point for the Leadline voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/leadline-voice/leadline/internal/app"
	"github.com/leadline-voice/leadline/internal/config"
	"github.com/leadline-voice/leadline/internal/observe"
	"github.com/leadline-voice/leadline/pkg/provider/asr"
	"github.com/leadline-voice/leadline/pkg/provider/asr/deepgram"
	oairt "github.com/leadline-voice/leadline/pkg/provider/asr/openai"
	"github.com/leadline-voice/leadline/pkg/provider/reply"
	"github.com/leadline-voice/leadline/pkg/provider/reply/anyllm"
	"github.com/leadline-voice/leadline/pkg/provider/reply/hebrew"
	oareply "github.com/leadline-voice/leadline/pkg/provider/reply/openai"
	"github.com/leadline-voice/leadline/pkg/provider/tts"
	"github.com/leadline-voice/leadline/pkg/provider/tts/coqui"
	"github.com/leadline-voice/leadline/pkg/provider/tts/elevenlabs"
)

// defaultReplyModel is used when the openai reply entry omits a model.
const defaultReplyModel = "gpt-4o-mini"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the optional YAML configuration file")
	watch := flag.Bool("watch", false, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "leadline: config file %q not found; omit -config to run from environment variables only\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "leadline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("leadline starting",
		"config", *configPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "leadline",
		ServiceVersion: buildVersion(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch {
		if *configPath == "" {
			slog.Warn("-watch ignored, no config file to watch")
		} else {
			w, err := config.NewWatcher(*configPath, func(prev, next *config.Config) {
				d := config.Diff(prev, next)
				if d.LogLevelChanged {
					level.Set(slogLevel(d.NewLogLevel))
					slog.Info("log level updated", "level", d.NewLogLevel)
				}
				application.ApplyConfig(ctx, next)
			})
			if err != nil {
				slog.Warn("config watcher disabled", "err", err)
			} else {
				defer w.Stop()
			}
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	// No write timeout: the media WebSocket lives as long as a call. Call
	// sessions inherit the signal context through BaseContext, so the first
	// SIGTERM winds live calls down.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           application.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the
// appropriate provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("openai-realtime", func(entry config.ProviderEntry) (asr.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("openai-realtime requires api_key")
		}
		var opts []oairt.Option
		if entry.Model != "" {
			opts = append(opts, oairt.WithModel(entry.Model))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oairt.WithTranscriptionModel(m))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairt.WithBaseURL(entry.BaseURL))
		}
		return oairt.New(entry.APIKey, opts...), nil
	})

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (asr.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("deepgram requires api_key")
		}
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if optBool(entry.Options, "linear16") {
			opts = append(opts, deepgram.WithLinear16())
		}
		return deepgram.New(entry.APIKey, opts...), nil
	})

	// ── Reply ─────────────────────────────────────────────────────────────────

	reg.RegisterReply("openai", func(entry config.ProviderEntry) (reply.Generator, error) {
		var opts []oareply.Option
		if entry.BaseURL != "" {
			opts = append(opts, oareply.WithBaseURL(entry.BaseURL))
		}
		model := entry.Model
		if model == "" {
			model = defaultReplyModel
		}
		g, err := oareply.New(entry.APIKey, model, opts...)
		if err != nil {
			return nil, err
		}
		return g, nil
	})

	reg.RegisterReply("anyllm", func(entry config.ProviderEntry) (reply.Generator, error) {
		backend := optString(entry.Options, "provider")
		if backend == "" {
			return nil, errors.New(`reply provider "anyllm" requires options.provider (e.g. "anthropic")`)
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		g, err := anyllm.New(backend, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return g, nil
	})

	reg.RegisterReply("hebrew", func(entry config.ProviderEntry) (reply.Generator, error) {
		var opts []hebrew.Option
		if entry.APIKey != "" {
			opts = append(opts, hebrew.WithAPIKey(entry.APIKey))
		}
		g, err := hebrew.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return g, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, elevenlabs.WithLanguage(lang))
		}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(tts.Format(f)))
		}
		p, err := elevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		p, err := coqui.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Debug log of all registered providers.
	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. The three primaries are required; fallbacks are optional.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if !cfg.Providers.ASR.Configured() {
		return nil, errors.New("providers.asr.name is required")
	}
	p, err := reg.CreateASR(cfg.Providers.ASR)
	if err != nil {
		return nil, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
	}
	ps.ASR = p
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	if fb := cfg.Providers.ASRFallback; fb.Configured() {
		p, err := reg.CreateASR(fb)
		if err != nil {
			return nil, fmt.Errorf("create asr fallback %q: %w", fb.Name, err)
		}
		ps.ASRFallback = p
		slog.Info("provider created", "kind", "asr", "name", fb.Name, "role", "fallback")
	}

	if !cfg.Providers.Reply.Configured() {
		return nil, errors.New("providers.reply.name is required")
	}
	g, err := reg.CreateReply(cfg.Providers.Reply)
	if err != nil {
		return nil, fmt.Errorf("create reply provider %q: %w", cfg.Providers.Reply.Name, err)
	}
	ps.Reply = g
	slog.Info("provider created", "kind", "reply", "name", cfg.Providers.Reply.Name)

	if fb := cfg.Providers.ReplyFallback; fb.Configured() {
		g, err := reg.CreateReply(fb)
		if err != nil {
			return nil, fmt.Errorf("create reply fallback %q: %w", fb.Name, err)
		}
		ps.ReplyFallback = g
		slog.Info("provider created", "kind", "reply", "name", fb.Name, "role", "fallback")
	}

	if !cfg.Providers.TTS.Configured() {
		return nil, errors.New("providers.tts.name is required")
	}
	s, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = s
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if fb := cfg.Providers.TTSFallback; fb.Configured() {
		s, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		ps.TTSFallback = s
		slog.Info("provider created", "kind", "tts", "name", fb.Name, "role", "fallback")
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Leadline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("ASR fallback", cfg.Providers.ASRFallback.Name, cfg.Providers.ASRFallback.Model)
	printProvider("Reply", cfg.Providers.Reply.Name, cfg.Providers.Reply.Model)
	printProvider("Reply fallback", cfg.Providers.ReplyFallback.Name, cfg.Providers.ReplyFallback.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("TTS fallback", cfg.Providers.TTSFallback.Name, cfg.Providers.TTSFallback.Model)

	webhook := "(logged)"
	if cfg.Webhook.URL != "" {
		webhook = "configured"
	}
	printRow("Webhook", webhook)

	hist := "(disabled)"
	if cfg.History.PostgresDSN != "" {
		hist = "configured"
	}
	printRow("Caller history", hist)

	barge := "off"
	if cfg.Call.AllowBargeIn {
		barge = "on"
	}
	printRow("Barge-in", barge)
	printRow("Listen port", fmt.Sprintf("%d", cfg.Server.Port))
	if u := cfg.Server.MediaStreamURL(); u != "" {
		printRow("Media stream", u)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 18 {
		value = value[:15] + "…"
	}
	fmt.Printf("║  %-14s  : %-18s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// buildVersion reports the module version stamped into the binary, or
// "devel" for go-run builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel"
	}
	return info.Main.Version
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a
// string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optBool extracts a bool value from a provider Options map[string]any.
func optBool(opts map[string]any, key string) bool {
	if opts == nil {
		return false
	}
	b, ok := opts[key].(bool)
	return ok && b
}
