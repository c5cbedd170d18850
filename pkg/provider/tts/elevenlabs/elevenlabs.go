// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// streaming HTTP synthesis endpoint. It implements the tts.Provider
// interface.
//
// The response body is handed to the caller unread, so audio can be played
// out while ElevenLabs is still synthesizing the tail of the text.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/leadline-voice/leadline/pkg/provider/tts"
)

// Compile-time assertion that Provider satisfies the tts interface.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultModel   = "eleven_flash_v2_5"

	defaultStability       = 0.5
	defaultSimilarityBoost = 0.75

	// maxErrorBody bounds how much of a failed response is read for the
	// error message.
	maxErrorBody = 4 << 10
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = base }
}

// WithOutputFormat sets the requested audio format. The default is
// tts.FormatULaw8000, which needs no conversion before the telephone leg.
func WithOutputFormat(format tts.Format) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithLanguage sets the language_code hint sent with every request.
func WithLanguage(code string) Option {
	return func(p *Provider) { p.language = code }
}

// WithLatencyHint sets optimize_streaming_latency (0–4). Higher values trade
// quality for faster first audio. Unset omits the parameter.
func WithLatencyHint(level int) Option {
	return func(p *Provider) { p.latencyHint = &level }
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	outputFormat tts.Format
	language     string
	latencyHint  *int
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		outputFormat: tts.FormatULaw8000,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthRequest is the JSON body of a synthesis request.
type synthRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// synthURL assembles the streaming endpoint URL for a voice.
func (p *Provider) synthURL(voiceID string) string {
	q := url.Values{}
	q.Set("output_format", string(p.outputFormat))
	if p.language != "" {
		q.Set("language_code", p.language)
	}
	if p.latencyHint != nil {
		q.Set("optimize_streaming_latency", strconv.Itoa(*p.latencyHint))
	}
	return fmt.Sprintf("%s/text-to-speech/%s/stream?%s", p.baseURL, url.PathEscape(voiceID), q.Encode())
}

// Synthesize POSTs text to the streaming endpoint and returns the response
// body unread. The caller must close it.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (io.ReadCloser, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	settings := voiceSettings{
		Stability:       voice.Stability,
		SimilarityBoost: voice.SimilarityBoost,
		Style:           voice.Style,
		UseSpeakerBoost: voice.SpeakerBoost,
	}
	if settings.Stability == 0 {
		settings.Stability = defaultStability
	}
	if settings.SimilarityBoost == 0 {
		settings.SimilarityBoost = defaultSimilarityBoost
	}

	body, err := json.Marshal(synthRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: settings,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.synthURL(voice.ID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return resp.Body, nil
}

// Format reports the encoding requested from the service.
func (p *Provider) Format() tts.Format { return p.outputFormat }

// ── ListVoices ─────────────────────────────────────────────────────────────────

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key. Used
// at startup to validate that configured voice IDs exist.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		voices = append(voices, tts.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Metadata: meta,
		})
	}
	return voices, nil
}
