package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leadline-voice/leadline/internal/config"
)

func TestLoadFromReader_ValuesLand(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  port: 9090
  domain: voice.example.com
  log_level: debug
call:
  opening_script: "שלום, הגעתם למשרד"
  allow_barge_in: true
  no_barge_tail_ms: 600
vad:
  threshold: 0.6
providers:
  asr:
    name: openai-realtime
    api_key: sk-test
  reply:
    name: openai
    model: gpt-4o-mini
  tts:
    name: elevenlabs
    voice: rachel
webhook:
  url: https://crm.example.com/hook
history:
  postgres_dsn: "postgres://localhost/leads"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if got := cfg.Server.MediaStreamURL(); got != "wss://voice.example.com/media" {
		t.Errorf("stream url = %q", got)
	}
	if cfg.Call.OpeningScript != "שלום, הגעתם למשרד" {
		t.Errorf("opening = %q", cfg.Call.OpeningScript)
	}
	if !cfg.Call.AllowBargeIn {
		t.Error("allow_barge_in not set")
	}
	if cfg.Call.NoBargeTailMS != 600 {
		t.Errorf("no_barge_tail_ms = %d, want 600", cfg.Call.NoBargeTailMS)
	}
	if cfg.VAD.Threshold != 0.6 {
		t.Errorf("vad threshold = %v, want 0.6", cfg.VAD.Threshold)
	}
	if cfg.Providers.TTS.Voice != "rachel" {
		t.Errorf("tts voice = %q", cfg.Providers.TTS.Voice)
	}
	if cfg.Webhook.URL != "https://crm.example.com/hook" {
		t.Errorf("webhook url = %q", cfg.Webhook.URL)
	}
}

func TestLoadFromReader_KeepsDefaultsForUnsetFields(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("server:\n  port: 9999\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.VAD.SilenceMS != 700 {
		t.Errorf("vad silence lost its default: %d", cfg.VAD.SilenceMS)
	}
	if cfg.Call.Language != "he" {
		t.Errorf("language lost its default: %q", cfg.Call.Language)
	}
}

func TestLoadFromReader_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  port: 8080
  listen_addr: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if !strings.Contains(err.Error(), "listen_addr") {
		t.Errorf("error should name the unknown key, got: %v", err)
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  port: 70000
  log_level: bananas
vad:
  threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []string{"server.port", "server.log_level", "vad.threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_StreamURLScheme(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  stream_url: https://x.example/media\n"))
	if err == nil || !strings.Contains(err.Error(), "stream_url") {
		t.Errorf("expected stream_url scheme error, got: %v", err)
	}
}

func TestValidate_ChunkingNeedsChunkChars(t *testing.T) {
	t.Parallel()
	yaml := `
speech:
  chunking: true
  chunk_chars: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "chunk_chars") {
		t.Errorf("expected chunk_chars error, got: %v", err)
	}
}

func TestValidate_FallbackWithoutPrimary(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  reply_fallback:
    name: anyllm
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "reply_fallback") {
		t.Errorf("expected reply_fallback error, got: %v", err)
	}
}

func TestValidate_WarnCapAboveMax(t *testing.T) {
	t.Parallel()
	yaml := `
call:
  max_call_ms: 60000
  max_call_warn_ms: 60000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "max_call_warn_ms") {
		t.Errorf("expected warn/cap ordering error, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// Environment overlay tests use t.Setenv and therefore cannot run in
// parallel.

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leadline.yaml")
	yaml := `
server:
  port: 9090
call:
  opening_script: "מהקובץ"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("OPENING_SCRIPT", "מהסביבה")
	t.Setenv("ALLOW_BARGE_IN", "true")
	t.Setenv("VAD_THRESHOLD", "0.55")
	t.Setenv("CACHE_OPENING_AUDIO", "false")
	t.Setenv("HISTORY_DSN", "postgres://env/leads")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Call.OpeningScript != "מהסביבה" {
		t.Errorf("opening = %q, want env override", cfg.Call.OpeningScript)
	}
	if !cfg.Call.AllowBargeIn {
		t.Error("ALLOW_BARGE_IN not applied")
	}
	if cfg.VAD.Threshold != 0.55 {
		t.Errorf("vad threshold = %v, want 0.55", cfg.VAD.Threshold)
	}
	if cfg.Call.CacheOpening() {
		t.Error("CACHE_OPENING_AUDIO=false not applied")
	}
	if cfg.History.PostgresDSN != "postgres://env/leads" {
		t.Errorf("history dsn = %q", cfg.History.PostgresDSN)
	}
}

func TestLoad_NoFileRunsOnEnvAlone(t *testing.T) {
	t.Setenv("OPENING_SCRIPT", "שלום")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Call.OpeningScript != "שלום" {
		t.Errorf("opening = %q", cfg.Call.OpeningScript)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port lost its default: %d", cfg.Server.Port)
	}
}

func TestApplyEnv_MalformedValuesJoined(t *testing.T) {
	t.Setenv("PORT", "eighty")
	t.Setenv("VAD_THRESHOLD", "warm")
	t.Setenv("ACK_ENABLED", "yep")

	err := config.ApplyEnv(config.Default())
	if err == nil {
		t.Fatal("expected parse errors, got nil")
	}
	for _, want := range []string{"PORT", "VAD_THRESHOLD", "ACK_ENABLED"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestApplyEnv_ProviderEntries(t *testing.T) {
	t.Setenv("ASR_PROVIDER", "openai-realtime")
	t.Setenv("ASR_MODEL", "gpt-4o-realtime-preview")
	t.Setenv("REPLY_PROVIDER", "openai")
	t.Setenv("REPLY_FALLBACK_PROVIDER", "anyllm")
	t.Setenv("TTS_PROVIDER", "elevenlabs")
	t.Setenv("TTS_VOICE", "rachel")
	t.Setenv("OPENAI_API_KEY", "sk-shared")
	t.Setenv("ELEVENLABS_API_KEY", "el-shared")

	cfg := config.Default()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Providers.ASR.Model != "gpt-4o-realtime-preview" {
		t.Errorf("asr model = %q", cfg.Providers.ASR.Model)
	}
	if cfg.Providers.ASR.APIKey != "sk-shared" {
		t.Errorf("asr key = %q, want shared openai key", cfg.Providers.ASR.APIKey)
	}
	if cfg.Providers.Reply.APIKey != "sk-shared" {
		t.Errorf("reply key = %q, want shared openai key", cfg.Providers.Reply.APIKey)
	}
	if cfg.Providers.TTS.APIKey != "el-shared" {
		t.Errorf("tts key = %q, want shared elevenlabs key", cfg.Providers.TTS.APIKey)
	}
	if cfg.Providers.TTS.Voice != "rachel" {
		t.Errorf("tts voice = %q", cfg.Providers.TTS.Voice)
	}
	if cfg.Providers.ReplyFallback.APIKey != "" {
		t.Errorf("anyllm fallback should not inherit a vendor key, got %q", cfg.Providers.ReplyFallback.APIKey)
	}
}

func TestApplyEnv_PerEntryKeyWins(t *testing.T) {
	t.Setenv("REPLY_PROVIDER", "openai")
	t.Setenv("REPLY_API_KEY", "sk-explicit")
	t.Setenv("OPENAI_API_KEY", "sk-shared")

	cfg := config.Default()
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.Reply.APIKey != "sk-explicit" {
		t.Errorf("reply key = %q, want the per-entry key", cfg.Providers.Reply.APIKey)
	}
}
