package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":   {"openai-realtime", "deepgram"},
	"reply": {"openai", "anyllm", "hebrew"},
	"tts":   {"elevenlabs", "coqui"},
}

// Load builds the effective configuration: [Default] values, then the
// optional YAML file at path, then environment variables, then validation.
// An empty path skips the file layer entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config over the defaults and validates the
// result. The environment is not consulted. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if errors.Is(err, io.EOF) {
		// An empty file keeps the defaults.
		return nil
	}
	return err
}

// ApplyEnv overlays environment variables onto cfg. Set variables always win
// over file values; unset ones leave cfg untouched. Malformed numeric and
// boolean values are collected and returned as one joined error.
func ApplyEnv(cfg *Config) error {
	e := &envReader{}

	e.integer("PORT", &cfg.Server.Port)
	e.str("DOMAIN", &cfg.Server.Domain)
	e.str("STREAM_URL", &cfg.Server.StreamURL)
	e.level("LOG_LEVEL", &cfg.Server.LogLevel)

	e.str("LANGUAGE", &cfg.Call.Language)
	e.str("INSTRUCTIONS", &cfg.Call.Instructions)
	e.str("OPENING_SCRIPT", &cfg.Call.OpeningScript)
	e.optBool("CACHE_OPENING_AUDIO", &cfg.Call.CacheOpeningAudio)
	e.boolean("ALLOW_BARGE_IN", &cfg.Call.AllowBargeIn)
	e.integer("NO_BARGE_TAIL_MS", &cfg.Call.NoBargeTailMS)
	e.boolean("ACK_ENABLED", &cfg.Call.AckEnabled)
	e.str("ACK_TEXT", &cfg.Call.AckText)
	e.str("APOLOGY_TEXT", &cfg.Call.ApologyText)
	e.str("WRAPUP_TEXT", &cfg.Call.WrapupText)
	e.integer("IDLE_HANGUP_MS", &cfg.Call.IdleHangupMS)
	e.integer("MAX_CALL_MS", &cfg.Call.MaxCallMS)
	e.integer("MAX_CALL_WARN_MS", &cfg.Call.MaxCallWarnMS)

	e.float("VAD_THRESHOLD", &cfg.VAD.Threshold)
	e.integer("VAD_SILENCE_MS", &cfg.VAD.SilenceMS)
	e.integer("VAD_PREFIX_MS", &cfg.VAD.PrefixMS)

	e.boolean("REPLY_CHUNKING", &cfg.Speech.Chunking)
	e.integer("REPLY_CHUNK_CHARS", &cfg.Speech.ChunkChars)
	e.integer("TTS_TAIL_SILENCE_MS", &cfg.Speech.TailSilenceMS)

	e.integer("AUDIO_PREBUFFER_MS", &cfg.Audio.PrebufferMS)

	e.entry("ASR", &cfg.Providers.ASR)
	e.entry("ASR_FALLBACK", &cfg.Providers.ASRFallback)
	e.entry("REPLY", &cfg.Providers.Reply)
	e.entry("REPLY_FALLBACK", &cfg.Providers.ReplyFallback)
	e.entry("TTS", &cfg.Providers.TTS)
	e.entry("TTS_FALLBACK", &cfg.Providers.TTSFallback)

	e.str("WEBHOOK_URL", &cfg.Webhook.URL)
	e.integer("WEBHOOK_TIMEOUT_MS", &cfg.Webhook.TimeoutMS)
	e.str("HISTORY_DSN", &cfg.History.PostgresDSN)

	fillSharedKeys(cfg)

	return errors.Join(e.errs...)
}

// fillSharedKeys lets one vendor credential serve every entry naming that
// vendor, so a deployment sets OPENAI_API_KEY once instead of repeating it
// per pipeline stage. Per-entry keys always win.
func fillSharedKeys(cfg *Config) {
	shared := map[string]string{
		"openai":     os.Getenv("OPENAI_API_KEY"),
		"deepgram":   os.Getenv("DEEPGRAM_API_KEY"),
		"elevenlabs": os.Getenv("ELEVENLABS_API_KEY"),
	}
	for _, entry := range []*ProviderEntry{
		&cfg.Providers.ASR, &cfg.Providers.ASRFallback,
		&cfg.Providers.Reply, &cfg.Providers.ReplyFallback,
		&cfg.Providers.TTS, &cfg.Providers.TTSFallback,
	} {
		if entry.APIKey != "" || entry.Name == "" {
			continue
		}
		for vendor, key := range shared {
			if key != "" && strings.HasPrefix(entry.Name, vendor) {
				entry.APIKey = key
				break
			}
		}
	}
}

// envReader applies environment variables and collects parse failures.
type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not a number", key, v))
		return
	}
	*dst = f
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (e *envReader) optBool(key string, dst **bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
		return
	}
	*dst = &b
}

func (e *envReader) level(key string, dst *LogLevel) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = LogLevel(strings.ToLower(v))
	}
}

// entry overlays the <PREFIX>_PROVIDER, _API_KEY, _BASE_URL, _MODEL and
// _VOICE variables onto one provider entry.
func (e *envReader) entry(prefix string, dst *ProviderEntry) {
	e.str(prefix+"_PROVIDER", &dst.Name)
	e.str(prefix+"_API_KEY", &dst.APIKey)
	e.str(prefix+"_BASE_URL", &dst.BaseURL)
	e.str(prefix+"_MODEL", &dst.Model)
	e.str(prefix+"_VOICE", &dst.Voice)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if u := cfg.Server.StreamURL; u != "" && !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
		errs = append(errs, fmt.Errorf("server.stream_url %q must be a ws:// or wss:// URL", u))
	}

	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceMS < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_ms must not be negative"))
	}
	if cfg.VAD.PrefixMS < 0 {
		errs = append(errs, fmt.Errorf("vad.prefix_ms must not be negative"))
	}

	if cfg.Speech.Chunking && cfg.Speech.ChunkChars <= 0 {
		errs = append(errs, fmt.Errorf("speech.chunk_chars must be positive when speech.chunking is on"))
	}
	if cfg.Audio.PrebufferMS < 0 {
		errs = append(errs, fmt.Errorf("audio.prebuffer_ms must not be negative"))
	}

	if cfg.Call.IdleHangupMS <= 0 {
		errs = append(errs, fmt.Errorf("call.idle_hangup_ms must be positive"))
	}
	if cfg.Call.MaxCallMS <= 0 {
		errs = append(errs, fmt.Errorf("call.max_call_ms must be positive"))
	}
	if cfg.Call.MaxCallWarnMS < 0 {
		errs = append(errs, fmt.Errorf("call.max_call_warn_ms must not be negative"))
	}
	if cfg.Call.MaxCallWarnMS > 0 && cfg.Call.MaxCallWarnMS >= cfg.Call.MaxCallMS {
		errs = append(errs, fmt.Errorf("call.max_call_warn_ms %d must be below call.max_call_ms %d", cfg.Call.MaxCallWarnMS, cfg.Call.MaxCallMS))
	}

	if u := cfg.Webhook.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, fmt.Errorf("webhook.url %q must be an http(s) URL", u))
	}

	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("asr", cfg.Providers.ASRFallback.Name)
	validateProviderName("reply", cfg.Providers.Reply.Name)
	validateProviderName("reply", cfg.Providers.ReplyFallback.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.TTSFallback.Name)

	// Fallback entries without a primary are almost certainly a mistake.
	if !cfg.Providers.ASR.Configured() && cfg.Providers.ASRFallback.Configured() {
		errs = append(errs, fmt.Errorf("providers.asr_fallback is set but providers.asr is not"))
	}
	if !cfg.Providers.Reply.Configured() && cfg.Providers.ReplyFallback.Configured() {
		errs = append(errs, fmt.Errorf("providers.reply_fallback is set but providers.reply is not"))
	}
	if !cfg.Providers.TTS.Configured() && cfg.Providers.TTSFallback.Configured() {
		errs = append(errs, fmt.Errorf("providers.tts_fallback is set but providers.tts is not"))
	}

	// Soft warnings: the gateway runs, but probably not as intended.
	if cfg.Call.OpeningScript == "" {
		slog.Warn("call.opening_script is empty; calls will start in silence")
	}
	if cfg.Call.MaxCallWarnMS > 0 && cfg.Call.WrapupText == "" {
		slog.Warn("call.max_call_warn_ms is set but call.wrapup_text is empty; no wrap-up will be spoken")
	}
	if cfg.Call.AckEnabled && cfg.Call.AckText == "" {
		slog.Warn("call.ack_enabled is set but call.ack_text is empty; no filler will be played")
	}
	if cfg.Webhook.URL == "" {
		slog.Warn("webhook.url is empty; call outcomes will only be logged")
	}
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; returning-caller lookups are disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
