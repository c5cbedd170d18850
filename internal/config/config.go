// Package config provides the configuration schema, loader, and provider
// registry for the leadline gateway.
//
// The effective configuration is built in three layers: [Default] values,
// then an optional YAML file, then environment variables. The environment
// always wins, so a containerized deployment can run without any file.
package config

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the gateway.
// It is typically built with [Load]; see the package doc for layering.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Call      CallConfig      `yaml:"call"`
	VAD       VADConfig       `yaml:"vad"`
	Speech    SpeechConfig    `yaml:"speech"`
	Audio     AudioConfig     `yaml:"audio"`
	Providers ProvidersConfig `yaml:"providers"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	History   HistoryConfig   `yaml:"history"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Port is the TCP port the carrier-facing HTTP surface listens on.
	Port int `yaml:"port"`

	// Domain is the public hostname of this deployment. The media-stream
	// URL in call answers is derived from it unless StreamURL is set.
	Domain string `yaml:"domain"`

	// StreamURL overrides the derived media-stream URL entirely
	// (e.g. "wss://voice.example.com/media"). Takes precedence over Domain.
	StreamURL string `yaml:"stream_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// MediaStreamURL returns the wss:// URL handed to the carrier in call
// answers, or "" when neither StreamURL nor Domain is configured and the
// gateway should derive it from each request's Host header.
func (s ServerConfig) MediaStreamURL() string {
	if s.StreamURL != "" {
		return s.StreamURL
	}
	if s.Domain != "" {
		return "wss://" + s.Domain + "/media"
	}
	return ""
}

// CallConfig holds the conversation policy applied to every call.
type CallConfig struct {
	// Language is the expected speech language as a BCP-47 tag.
	Language string `yaml:"language"`

	// Instructions is the agent system prompt handed to the recognizer
	// session and every reply request.
	Instructions string `yaml:"instructions"`

	// OpeningScript is the exact phrase spoken when a call connects.
	// Empty skips the opening.
	OpeningScript string `yaml:"opening_script"`

	// CacheOpeningAudio pre-synthesizes the opening at boot so the first
	// frames of every call come from memory. Nil means true.
	CacheOpeningAudio *bool `yaml:"cache_opening_audio"`

	// AllowBargeIn lets inbound caller audio interrupt bot speech.
	AllowBargeIn bool `yaml:"allow_barge_in"`

	// NoBargeTailMS is the guard window after bot speech before the
	// session listens again, in milliseconds.
	NoBargeTailMS int `yaml:"no_barge_tail_ms"`

	// AckEnabled plays AckText while a reply is being generated.
	AckEnabled bool `yaml:"ack_enabled"`

	// AckText is the short filler phrase for AckEnabled.
	AckText string `yaml:"ack_text"`

	// ApologyText substitutes the reply when every backend fails.
	ApologyText string `yaml:"apology_text"`

	// WrapupText is spoken shortly before the hard call cap. Only used
	// when MaxCallWarnMS is set.
	WrapupText string `yaml:"wrapup_text"`

	// IdleHangupMS ends the call after this much inbound silence.
	IdleHangupMS int `yaml:"idle_hangup_ms"`

	// MaxCallMS is the hard call duration cap.
	MaxCallMS int `yaml:"max_call_ms"`

	// MaxCallWarnMS plays WrapupText this long before the cap. Zero
	// disables the warning.
	MaxCallWarnMS int `yaml:"max_call_warn_ms"`
}

// CacheOpening resolves the CacheOpeningAudio tri-state.
func (c CallConfig) CacheOpening() bool {
	return c.CacheOpeningAudio == nil || *c.CacheOpeningAudio
}

// VADConfig tunes the recognizer's server-side speech detection.
type VADConfig struct {
	// Threshold is the detection sensitivity in 0..1.
	Threshold float64 `yaml:"threshold"`

	// SilenceMS is how much trailing silence commits an utterance.
	SilenceMS int `yaml:"silence_ms"`

	// PrefixMS is how much audio before speech onset is kept.
	PrefixMS int `yaml:"prefix_ms"`
}

// SpeechConfig shapes how reply text becomes synthesis requests.
type SpeechConfig struct {
	// Chunking splits long replies into multiple synthesis requests so
	// playback starts before the whole reply is rendered.
	Chunking bool `yaml:"chunking"`

	// ChunkChars is the maximum request length when Chunking is on.
	ChunkChars int `yaml:"chunk_chars"`

	// TailSilenceMS is the silence appended after each synthesis burst.
	TailSilenceMS int `yaml:"tail_silence_ms"`
}

// AudioConfig holds playout settings.
type AudioConfig struct {
	// PrebufferMS is how much audio the pacer buffers before emitting the
	// first frame of a clip.
	PrebufferMS int `yaml:"prebuffer_ms"`
}

// ProvidersConfig declares which backend serves each pipeline stage. Each
// entry selects a named provider registered in the [Registry]. Fallback
// entries are optional second choices tried when the primary fails.
type ProvidersConfig struct {
	ASR           ProviderEntry `yaml:"asr"`
	ASRFallback   ProviderEntry `yaml:"asr_fallback"`
	Reply         ProviderEntry `yaml:"reply"`
	ReplyFallback ProviderEntry `yaml:"reply_fallback"`
	TTS           ProviderEntry `yaml:"tts"`
	TTSFallback   ProviderEntry `yaml:"tts_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g. "openai-realtime", "deepgram", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider-specific voice identifier. TTS entries only.
	Voice string `yaml:"voice"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// Configured reports whether the entry selects a provider at all.
func (e ProviderEntry) Configured() bool { return e.Name != "" }

// WebhookConfig holds the outcome delivery target.
type WebhookConfig struct {
	// URL receives the CALL_LOG and outcome payloads as JSON POSTs.
	// Empty logs payloads instead of delivering them.
	URL string `yaml:"url"`

	// TimeoutMS bounds one delivery attempt.
	TimeoutMS int `yaml:"timeout_ms"`
}

// HistoryConfig holds the caller-history store settings.
type HistoryConfig struct {
	// PostgresDSN is the connection string for the caller-history store.
	// Empty disables history lookups and recording.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the built-in configuration: Hebrew front-desk texts, the
// carrier-recommended VAD tuning, and conservative call timers.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: LogInfo,
		},
		Call: CallConfig{
			Language:      "he",
			Instructions:  "אתה נציג קולי של משרד. ענה בעברית, בקצרה ובנימוס.",
			ApologyText:   "סליחה, קרתה תקלה. אפשר לחזור על זה?",
			AckText:       "רק רגע בבקשה",
			NoBargeTailMS: 900,
			IdleHangupMS:  120_000,
			MaxCallMS:     600_000,
		},
		VAD: VADConfig{
			Threshold: 0.75,
			SilenceMS: 700,
			PrefixMS:  150,
		},
		Speech: SpeechConfig{
			ChunkChars:    70,
			TailSilenceMS: 180,
		},
		Audio: AudioConfig{
			PrebufferMS: 200,
		},
		Webhook: WebhookConfig{
			TimeoutMS: 10_000,
		},
	}
}
