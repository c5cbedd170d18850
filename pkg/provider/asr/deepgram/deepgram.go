// Package deepgram implements the asr.Provider interface using Deepgram's
// live transcription API.
//
// Carrier audio is streamed as binary WebSocket messages in its native μ-law
// form. Deepgram segments speech on its side: interim results are discarded,
// is_final segments are accumulated, and when a segment arrives with
// speech_final set the accumulated text is emitted as one utterance. The
// endpointing query parameter carries asr.Config.VADSilence so the pause
// that closes an utterance stays configurable from the same knob as other
// providers.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/leadline-voice/leadline/pkg/audio"
	"github.com/leadline-voice/leadline/pkg/provider/asr"
)

// Compile-time assertions that Provider and session satisfy the asr interfaces.
var _ asr.Provider = (*Provider)(nil)
var _ asr.Session = (*session)(nil)

const (
	defaultBaseURL = "wss://api.deepgram.com/v1/listen"
	defaultModel   = "nova-2"

	defaultEndpointing = 700 * time.Millisecond

	// keepAliveInterval is how often a KeepAlive message is sent when no
	// audio is flowing. Deepgram drops connections idle for more than 10s.
	keepAliveInterval = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model used for transcription.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLinear16 switches the upload format from 8 kHz μ-law to 16 kHz
// linear16. Each frame is decoded and upsampled before it is sent. Some
// Deepgram models score noticeably better on linear input than on companded
// telephony audio.
func WithLinear16() Option {
	return func(p *Provider) { p.linear16 = true }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements asr.Provider for Deepgram live transcription.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	linear16 bool
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// buildURL assembles the listen URL with encoding and segmentation params.
func (p *Provider) buildURL(cfg asr.Config) string {
	endpointing := cfg.VADSilence
	if endpointing == 0 {
		endpointing = defaultEndpointing
	}

	q := url.Values{}
	q.Set("model", p.model)
	if p.linear16 {
		q.Set("encoding", "linear16")
		q.Set("sample_rate", "16000")
	} else {
		q.Set("encoding", "mulaw")
		q.Set("sample_rate", "8000")
	}
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", fmt.Sprintf("%d", int(endpointing/time.Millisecond)))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	return p.baseURL + "?" + q.Encode()
}

// Connect dials the live transcription endpoint and starts the stream pumps.
func (p *Provider) Connect(ctx context.Context, cfg asr.Config) (asr.Session, error) {
	conn, _, err := websocket.Dial(ctx, p.buildURL(cfg), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Token " + p.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		linear16:    p.linear16,
		audio:       make(chan []byte, 32),
		transcripts: make(chan asr.Transcript, 16),
		done:        make(chan struct{}),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	go sess.writeLoop()
	go sess.readLoop()

	return sess, nil
}

// ── Protocol message types ─────────────────────────────────────────────────────

type resultMessage struct {
	Type        string        `json:"type"`
	IsFinal     bool          `json:"is_final"`
	SpeechFinal bool          `json:"speech_final"`
	Channel     resultChannel `json:"channel"`

	// Error payload fields.
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
}

type resultChannel struct {
	Alternatives []resultAlternative `json:"alternatives"`
}

type resultAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	linear16 bool

	audio       chan []byte
	transcripts chan asr.Transcript
	done        chan struct{}

	mu           sync.Mutex
	errorHandler func(error)
	errVal       error
	closed       bool

	// Segment accumulation state, owned by readLoop.
	segments []string
	minConf  float64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeLoop forwards queued audio as binary messages and emits KeepAlive
// while the line is silent.
func (s *session) writeLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				if s.ctx.Err() == nil {
					s.setErr(fmt.Errorf("deepgram: write: %w", err))
					s.terminate()
				}
				return
			}
			ticker.Reset(keepAliveInterval)
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				if s.ctx.Err() == nil {
					s.setErr(fmt.Errorf("deepgram: keepalive: %w", err))
					s.terminate()
				}
				return
			}
		}
	}
}

// readLoop consumes result messages and assembles utterances. It owns the
// transcripts channel and the done signal: both are closed when it exits.
func (s *session) readLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("deepgram: read: %w", err))
			return
		}

		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch {
		case msg.Type == "Error":
			s.reportError(&msg)
		case msg.Type == "Results" && len(msg.Channel.Alternatives) > 0:
			s.handleResult(&msg)
		}
	}
}

// reportError forwards an in-band error payload to the registered handler.
// The stream itself stays up; Deepgram closes the socket for fatal problems.
func (s *session) reportError(msg *resultMessage) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()
	if handler == nil {
		return
	}
	desc := msg.Description
	if desc == "" {
		desc = msg.Message
	}
	if desc == "" {
		desc = "unknown error"
	}
	handler(fmt.Errorf("deepgram: %s", desc))
}

func (s *session) handleResult(msg *resultMessage) {
	if !msg.IsFinal {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if text := strings.TrimSpace(alt.Transcript); text != "" {
		s.segments = append(s.segments, text)
		if len(s.segments) == 1 || alt.Confidence < s.minConf {
			s.minConf = alt.Confidence
		}
	}
	if !msg.SpeechFinal || len(s.segments) == 0 {
		return
	}

	entry := asr.Transcript{
		Text:       strings.Join(s.segments, " "),
		Confidence: s.minConf,
		At:         time.Now(),
	}
	s.segments = nil
	s.minConf = 0

	select {
	case s.transcripts <- entry:
	case <-s.ctx.Done():
	}
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// terminate tears down the transport so both pumps exit.
func (s *session) terminate() {
	s.cancel()
	s.conn.Close(websocket.StatusInternalError, "stream error")
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.transcripts)
		close(s.done)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio queues μ-law bytes for upload. With WithLinear16 the frame is
// decoded and upsampled to 16 kHz linear16 first.
func (s *session) SendAudio(mulaw []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("deepgram: session closed")
	}
	s.mu.Unlock()

	var chunk []byte
	if s.linear16 {
		chunk = audio.SamplesToBytes(audio.Upsample2x(audio.DecodeMulaw(mulaw)))
	} else {
		chunk = make([]byte, len(mulaw))
		copy(chunk, mulaw)
	}

	select {
	case s.audio <- chunk:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("deepgram: session closed")
	}
}

// CancelReply is a no-op. Deepgram only transcribes; there is no reply
// generation to interrupt.
func (s *session) CancelReply() error { return nil }

// Transcripts returns the channel of committed utterances.
func (s *session) Transcripts() <-chan asr.Transcript { return s.transcripts }

// OnError registers a callback for non-fatal errors.
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

// Close flushes the stream with a CloseStream message and releases all
// resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(map[string]string{"type": "CloseStream"})
	_ = s.conn.Write(closeCtx, websocket.MessageText, data)

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
