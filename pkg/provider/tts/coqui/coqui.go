// Package coqui provides a TTS provider backed by a self-hosted Coqui TTS
// server. It implements the tts.Provider interface.
//
// The server's GET /api/tts endpoint renders the whole utterance at once
// and responds with a WAV container; there is no streaming mode, so time to
// first byte is the full render time. Run a 24 kHz model (XTTS v2, or a
// VITS voice trained at 24 kHz): Format reports 24 kHz PCM and the speech
// pipeline strips the container header and downsamples before playout.
package coqui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leadline-voice/leadline/pkg/provider/tts"
)

// Compile-time assertion that Provider satisfies the tts interface.
var _ tts.Provider = (*Provider)(nil)

const (
	// defaultTimeout bounds one whole-utterance render. Batch synthesis of
	// a short reply takes a few seconds on CPU.
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is read for the
	// error message.
	maxErrorBody = 4 << 10
)

// Option is a functional option for configuring the Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language_id sent with every request. Multilingual
// models require it; single-language models ignore it.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds one synthesis request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// Provider implements tts.Provider backed by a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the Coqui server at serverURL
// (e.g. "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server URL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthURL assembles the /api/tts URL for one request. voice.ID selects the
// speaker on multi-speaker models and may be empty.
func (p *Provider) synthURL(text string, voice tts.Voice) string {
	q := url.Values{}
	q.Set("text", text)
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return p.serverURL + "/api/tts?" + q.Encode()
}

// Synthesize requests the rendered utterance and returns the response body
// unread. The caller must close it.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.synthURL(text, voice), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("coqui: synthesize: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return resp.Body, nil
}

// Format reports 24 kHz PCM; the server answers with a WAV container the
// speech pipeline strips.
func (p *Provider) Format() tts.Format { return tts.FormatPCM24000 }
