// Package mock provides a test double for the asr interfaces.
//
// Provider and Session record every call and let tests drive transcript and
// error delivery by hand:
//
//	sess := mock.NewSession()
//	prov := mock.NewProvider(sess)
//	// ... hand prov to the code under test ...
//	sess.EmitTranscript("hello")
//	calls := sess.SendAudioCalls()
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leadline-voice/leadline/pkg/provider/asr"
)

// Compile-time assertions that the mocks satisfy the asr interfaces.
var _ asr.Provider = (*Provider)(nil)
var _ asr.Session = (*Session)(nil)

// ConnectCall records one Connect invocation.
type ConnectCall struct {
	Config asr.Config
}

// Provider is a mock asr.Provider. The zero value hands out a fresh Session
// per Connect; use NewProvider to share one prepared Session.
type Provider struct {
	// ConnectErr, when set, is returned by Connect instead of a session.
	ConnectErr error

	// Session, when set, is returned by every Connect call.
	Session *Session

	mu           sync.Mutex
	connectCalls []ConnectCall
}

// NewProvider creates a Provider that returns sess from Connect.
func NewProvider(sess *Session) *Provider {
	return &Provider{Session: sess}
}

// Connect records the call and returns the configured session.
func (p *Provider) Connect(_ context.Context, cfg asr.Config) (asr.Session, error) {
	p.mu.Lock()
	p.connectCalls = append(p.connectCalls, ConnectCall{Config: cfg})
	p.mu.Unlock()

	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// ConnectCalls returns a copy of all recorded Connect calls.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.connectCalls))
	copy(out, p.connectCalls)
	return out
}

// ResetCalls clears the recorded Connect calls.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectCalls = nil
}

// Session is a mock asr.Session driven entirely by the test.
type Session struct {
	// SendAudioErr, when set, is returned by SendAudio.
	SendAudioErr error

	// CancelReplyErr, when set, is returned by CancelReply.
	CancelReplyErr error

	// CloseErr, when set, is returned by the first Close.
	CloseErr error

	mu           sync.Mutex
	sendCalls    [][]byte
	cancelCalls  int
	closed       bool
	errorHandler func(error)
	errVal       error

	transcripts chan asr.Transcript
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSession creates a Session with buffered transcript delivery.
func NewSession() *Session {
	return &Session{
		transcripts: make(chan asr.Transcript, 16),
		done:        make(chan struct{}),
	}
}

// EmitTranscript delivers an utterance to the session's consumer.
func (s *Session) EmitTranscript(text string) {
	s.transcripts <- asr.Transcript{Text: text, Confidence: 1, At: time.Now()}
}

// EmitError invokes the registered error handler, if any.
func (s *Session) EmitError(err error) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Terminate simulates a transport failure: Err() reports err and Done closes.
func (s *Session) Terminate(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.transcripts)
		close(s.done)
	})
}

// SendAudio records the audio. The slice is copied.
func (s *Session) SendAudio(mulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock asr: session closed")
	}
	buf := make([]byte, len(mulaw))
	copy(buf, mulaw)
	s.sendCalls = append(s.sendCalls, buf)
	return s.SendAudioErr
}

// CancelReply records the call.
func (s *Session) CancelReply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
	return s.CancelReplyErr
}

// Transcripts returns the channel EmitTranscript delivers on.
func (s *Session) Transcripts() <-chan asr.Transcript { return s.transcripts }

// OnError registers the handler EmitError invokes.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// Done is closed by Terminate or Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error passed to Terminate, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		close(s.transcripts)
		close(s.done)
	})
	return err
}

// SendAudioCalls returns a copy of all recorded SendAudio payloads.
func (s *Session) SendAudioCalls() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sendCalls))
	copy(out, s.sendCalls)
	return out
}

// CancelReplyCalls returns how many times CancelReply was invoked.
func (s *Session) CancelReplyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalls
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ResetCalls clears the recorded SendAudio and CancelReply calls.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls = nil
	s.cancelCalls = 0
}
