// Package openai implements the asr.Provider interface on OpenAI's Realtime
// API.
//
// It holds one WebSocket per call and exchanges JSON events according to the
// Realtime protocol. Audio is forwarded as base64-encoded G.711 μ-law
// exactly as it arrives from the carrier; utterance boundaries come from the
// service's server-side VAD, configured from asr.Config. Only committed user
// transcriptions cross the asr.Session interface; the endpoint's own reply
// stream is not consumed.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/leadline-voice/leadline/pkg/provider/asr"
)

// Compile-time assertions that Provider and session satisfy the asr interfaces.
var _ asr.Provider = (*Provider)(nil)
var _ asr.Session = (*session)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultTranscriptionModel = "whisper-1"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"

	defaultVADThreshold = 0.75
	defaultVADSilence   = 700 * time.Millisecond
	defaultVADPrefix    = 150 * time.Millisecond
)

// Error codes the service emits for cancel races. They mean the reply state
// on the server already matches what we asked for, so they are swallowed.
const (
	codeAlreadyHasResponse = "already_has_active_response"
	codeCancelNotActive    = "cancel_not_active"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTranscriptionModel sets the model used for input audio transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements asr.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	transcriptionModel string
	baseURL            string
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		transcriptionModel: defaultTranscriptionModel,
		baseURL:            defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the realtime endpoint and configures the session for μ-law
// telephony input with server-side VAD.
func (p *Provider) Connect(ctx context.Context, cfg asr.Config) (asr.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai asr: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		transcripts: make(chan asr.Transcript, 16),
		done:        make(chan struct{}),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSessionUpdate(p.transcriptionModel, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai asr: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioTranscription *transcriptionParam `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type transcriptionParam struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded μ-law
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	transcripts chan asr.Transcript
	done        chan struct{}

	mu           sync.Mutex
	errorHandler func(error)
	errVal       error
	closed       bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures μ-law input, transcription and server VAD.
func (s *session) sendSessionUpdate(transcriptionModel string, cfg asr.Config) error {
	threshold := cfg.VADThreshold
	if threshold == 0 {
		threshold = defaultVADThreshold
	}
	silence := cfg.VADSilence
	if silence == 0 {
		silence = defaultVADSilence
	}
	prefix := cfg.VADPrefix
	if prefix == 0 {
		prefix = defaultVADPrefix
	}

	params := sessionParams{
		Modalities:       []string{"text"},
		InputAudioFormat: "g711_ulaw",
		InputAudioTranscription: &transcriptionParam{
			Model: transcriptionModel,
		},
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         threshold,
			PrefixPaddingMs:   int(prefix / time.Millisecond),
			SilenceDurationMs: int(silence / time.Millisecond),
		},
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai asr: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the transcripts channel and the done signal: both are closed when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai asr: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		entry := asr.Transcript{
			Text: evt.Transcript,
			At:   time.Now(),
		}
		select {
		case s.transcripts <- entry:
		case <-s.ctx.Done():
		}

	case "error":
		s.handleErrorEvent(evt)
	}
}

func (s *session) handleErrorEvent(evt *serverEvent) {
	if evt.Error != nil {
		switch evt.Error.Code {
		case codeAlreadyHasResponse, codeCancelNotActive:
			return
		}
	}

	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()
	if handler == nil {
		return
	}

	msg := "unknown error"
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}
	handler(fmt.Errorf("openai asr: %s", msg))
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.transcripts)
		close(s.done)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio forwards raw μ-law bytes as an input_audio_buffer.append event.
func (s *session) SendAudio(mulaw []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai asr: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(mulaw),
	})
}

// CancelReply sends response.cancel. Races with the server are tolerated:
// the resulting error events carry codes this session swallows.
func (s *session) CancelReply() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai asr: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Transcripts returns the channel of committed utterances.
func (s *session) Transcripts() <-chan asr.Transcript { return s.transcripts }

// OnError registers a callback for non-fatal error events.
func (s *session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// Done is closed when the session terminates.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
