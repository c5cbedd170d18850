// Package session runs one phone call end to end. A Session owns the
// carrier WebSocket, the recognition session, the turn-taking state machine,
// the frame pacer, and the call transcript, and it triggers finalization
// exactly once when the call ends for any reason.
//
// # Architecture
//
// Every per-call occurrence — carrier messages, committed transcripts, reply
// and playback completions — funnels through one mailbox channel consumed by
// a single goroutine (the loop in [Session.Run]); timer fires are select
// cases of the same loop. Read pumps and workers never touch call state:
// they post events and the loop executes the decisions of the turn
// controller. The loop is the only writer of the call context, the FSM, and
// the timers, so none of them carry a lock.
//
//  1. Carrier read pump: WS frame → decode → mailbox.
//  2. Recognition pump: committed utterance → mailbox.
//  3. Reply worker (one per turn): generation request → mailbox.
//  4. Speech worker (one per bot turn): synthesis → pacer → drain → mailbox.
//  5. Timers: idle sampled at 1 Hz, single-shot max-call cap and warning,
//     re-armed no-listen tail.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leadline-voice/leadline/internal/call"
	"github.com/leadline-voice/leadline/internal/carrier"
	"github.com/leadline-voice/leadline/internal/finalize"
	"github.com/leadline-voice/leadline/internal/history"
	"github.com/leadline-voice/leadline/internal/observe"
	"github.com/leadline-voice/leadline/internal/opening"
	"github.com/leadline-voice/leadline/internal/pacer"
	"github.com/leadline-voice/leadline/internal/speech"
	"github.com/leadline-voice/leadline/internal/turn"
	"github.com/leadline-voice/leadline/pkg/provider/asr"
	"github.com/leadline-voice/leadline/pkg/provider/reply"
)

const (
	// eventBuffer sizes the mailbox. Media arrives every 20 ms; the loop
	// drains far faster, the buffer only absorbs scheduling jitter.
	eventBuffer = 64

	// historyLookupTimeout bounds the returning-caller lookup so a slow
	// store can never delay the recognition dial.
	historyLookupTimeout = time.Second

	// finalizeTimeout bounds outcome delivery during teardown.
	finalizeTimeout = 10 * time.Second
)

// Defaults for the call timers.
const (
	defaultIdleHangup = 120 * time.Second
	defaultMaxCall    = 600 * time.Second
)

// CarrierConn is the slice of the carrier connection a session drives.
// [carrier.Conn] satisfies it.
type CarrierConn interface {
	Read(ctx context.Context) ([]byte, error)
	SendMedia(ctx context.Context, streamSID string, mulaw []byte) error
	SendClear(ctx context.Context, streamSID string) error
	SendMark(ctx context.Context, streamSID, name string) error
	Close() error
}

// Speaker synthesizes one utterance into a sink. [speech.Speaker]
// satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string, sink speech.Sink) error
}

// Providers bundles the external collaborators of one call.
type Providers struct {
	// Recognizer opens the realtime transcription session.
	Recognizer asr.Provider

	// Reply generates assistant replies, usually through a fallback chain.
	Reply reply.Generator

	// Speaker turns reply text into paced μ-law audio.
	Speaker Speaker

	// Opening holds the pre-synthesized opening audio. Nil, or a cache
	// miss, streams the opening through the Speaker instead.
	Opening *opening.Cache

	// Ack holds the pre-synthesized acknowledgement filler. Nil skips the
	// filler even when the policy enables it.
	Ack *opening.Cache

	// Finalizer classifies and delivers the call outcome.
	Finalizer *finalize.Finalizer

	// History is the caller-history store. Nil disables lookups.
	History history.Store
}

// Config carries the per-call policies. Zero durations select the defaults.
type Config struct {
	// Language is the expected speech language (BCP-47).
	Language string

	// Instructions is the agent system prompt handed to the recognizer
	// session and every reply request.
	Instructions string

	// OpeningScript is spoken when the stream starts. Empty skips the
	// opening.
	OpeningScript string

	// AckText is the short filler played while a reply is generated.
	AckText string

	// ApologyText substitutes the reply when every backend fails. Empty
	// advances the turn silently.
	ApologyText string

	// WrapupText is spoken when the max-call warning fires. Empty skips
	// the warning even when MaxCallWarn is set.
	WrapupText string

	// AllowBargeIn lets the caller interrupt playback.
	AllowBargeIn bool

	// AckEnabled plays AckText on the idle→thinking hop.
	AckEnabled bool

	// NoBargeTail is the post-playback no-listen window. Default 900 ms.
	NoBargeTail time.Duration

	// Prebuffer is the pacer gate. Default 200 ms.
	Prebuffer time.Duration

	// IdleHangup ends the call when no inbound media arrives for this
	// long. Default 120 s.
	IdleHangup time.Duration

	// MaxCall is the hard call cap. Default 600 s.
	MaxCall time.Duration

	// MaxCallWarn plays WrapupText this long before the cap. Zero
	// disables the warning.
	MaxCallWarn time.Duration

	// VADThreshold, VADSilence and VADPrefix tune the recognizer's
	// server-side speech detection. Zero selects provider defaults.
	VADThreshold float64
	VADSilence   time.Duration
	VADPrefix    time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// ─── Mailbox events ───────────────────────────────────────────────────────────

type event interface{ isEvent() }

type (
	// carrierMsg is one decoded inbound frame from the media stream.
	carrierMsg struct{ msg *carrier.Message }

	// carrierClosed reports the read pump ending.
	carrierClosed struct{ err error }

	// recognizerReady reports the async recognition dial finishing.
	recognizerReady struct {
		sess         asr.Session
		instructions string
		err          error
	}

	// transcriptDone is one committed user utterance.
	transcriptDone struct{ t asr.Transcript }

	// recognizerClosed reports the recognition session ending.
	recognizerClosed struct{ err error }

	// replyDone reports a reply worker finishing.
	replyDone struct {
		gen  uint64
		text string
		err  error
	}

	// playbackDone reports a bot turn's audio fully drained to the wire.
	playbackDone struct{ gen uint64 }
)

func (carrierMsg) isEvent()       {}
func (carrierClosed) isEvent()    {}
func (recognizerReady) isEvent()  {}
func (transcriptDone) isEvent()   {}
func (recognizerClosed) isEvent() {}
func (replyDone) isEvent()        {}
func (playbackDone) isEvent()     {}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is the per-call orchestrator. Construct with [New], drive with
// [Session.Run]. A Session is single-use.
type Session struct {
	conn    CarrierConn
	prov    Providers
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics

	pacer  *pacer.Pacer
	turn   *turn.Controller
	events chan event

	// Sampling intervals, overridable in tests.
	idleEvery  time.Duration
	drainEvery time.Duration

	// Loop-owned state. Only the Run goroutine may touch anything below.
	g            *errgroup.Group
	callCtx      *call.Context
	recognizer   asr.Session
	instructions string
	lastMedia    time.Time
	lastForward  time.Time
	finalized    bool
	speakCancel  context.CancelFunc

	tailTimer *time.Timer
	capTimer  *time.Timer
	warnTimer *time.Timer
	tailC     <-chan time.Time
	capC      <-chan time.Time
	warnC     <-chan time.Time
}

// New creates a session over an accepted carrier connection. Run must be
// called to start processing.
func New(conn CarrierConn, prov Providers, cfg Config) *Session {
	if cfg.IdleHangup <= 0 {
		cfg.IdleHangup = defaultIdleHangup
	}
	if cfg.MaxCall <= 0 {
		cfg.MaxCall = defaultMaxCall
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Session{
		conn:         conn,
		prov:         prov,
		cfg:          cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		events:       make(chan event, eventBuffer),
		idleEvery:    time.Second,
		drainEvery:   20 * time.Millisecond,
		instructions: cfg.Instructions,
	}
	s.turn = turn.New(turn.Config{
		BargeIn:    cfg.AllowBargeIn,
		AckEnabled: cfg.AckEnabled,
		Tail:       cfg.NoBargeTail,
	})
	s.pacer = pacer.New(conn.SendMedia, pacer.Config{
		Prebuffer: cfg.Prebuffer,
		OnEmit: func(int) {
			s.metrics.EmittedFrames.Add(context.Background(), 1)
		},
		Logger: cfg.Logger,
	})
	return s
}

// Run processes the call until it ends: carrier stop or close, recognizer
// close, timer expiry, or ctx cancellation. It always finalizes exactly once
// (when a stream actually started) before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	s.g = g
	pumpLog := s.logger
	g.Go(func() error {
		s.readPump(gctx, pumpLog)
		return nil
	})

	idle := time.NewTicker(s.idleEvery)
	defer idle.Stop()
	defer s.stopTimers()

	for !s.finalized {
		select {
		case <-ctx.Done():
			s.shutdown(ctx, "server_shutdown")

		case ev := <-s.events:
			s.handle(ctx, gctx, ev)

		case <-idle.C:
			if s.callCtx != nil && time.Since(s.lastMedia) >= s.cfg.IdleHangup {
				s.shutdown(ctx, "idle_timeout")
			}

		case <-s.tailC:
			s.tailC = nil
			if d := s.turn.OnTailDeadline(time.Now()); d.StartReply {
				s.startReply(gctx, d)
			}

		case <-s.capC:
			s.capC = nil
			s.shutdown(ctx, "max_call_duration")

		case <-s.warnC:
			s.warnC = nil
			s.playWrapup(gctx)
		}
	}

	cancel()
	err := g.Wait()

	// The dial can win the race with shutdown: a ready recognizer session
	// parked in the mailbox would otherwise leak its connection.
	for {
		select {
		case ev := <-s.events:
			if r, ok := ev.(recognizerReady); ok && r.sess != nil {
				_ = r.sess.Close()
			}
		default:
			return err
		}
	}
}

// handle dispatches one mailbox event.
func (s *Session) handle(ctx, gctx context.Context, ev event) {
	switch ev := ev.(type) {
	case carrierMsg:
		s.handleCarrier(ctx, gctx, ev.msg)

	case carrierClosed:
		if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
			s.logger.Info("carrier stream closed", "error", ev.err)
		}
		s.shutdown(ctx, "transport_closed")

	case recognizerReady:
		s.handleRecognizerReady(ctx, gctx, ev)

	case transcriptDone:
		s.handleTranscript(gctx, ev.t)

	case recognizerClosed:
		if ev.err != nil {
			s.logger.Warn("recognizer session ended", "error", ev.err)
		}
		s.shutdown(ctx, "recognizer_closed")

	case replyDone:
		s.handleReplyDone(gctx, ev)

	case playbackDone:
		if until, ok := s.turn.OnSpeechDone(ev.gen, time.Now()); ok {
			s.armTail(until)
		}
	}
}

// ─── Carrier events ───────────────────────────────────────────────────────────

func (s *Session) handleCarrier(ctx, gctx context.Context, msg *carrier.Message) {
	switch msg.Event {
	case carrier.EventStart:
		s.handleStart(gctx, msg)
	case carrier.EventMedia:
		s.handleMedia(gctx, msg)
	case carrier.EventStop:
		s.logger.Info("carrier stop received")
		s.shutdown(ctx, "carrier_stop")
	case carrier.EventMark:
		if msg.Mark != nil {
			s.logger.Debug("playback checkpoint acked", "name", msg.Mark.Name)
		}
	case carrier.EventConnected:
		// Handshake ack; nothing to do.
	default:
		s.logger.Debug("ignoring carrier event", "event", msg.Event)
	}
}

// handleStart creates the call context, binds the pacer, plays the opening,
// arms the call timers, and kicks off the async recognition dial and the
// call-start announcement.
func (s *Session) handleStart(gctx context.Context, msg *carrier.Message) {
	if msg.Start == nil {
		s.metrics.ParseErrors.Add(gctx, 1)
		s.logger.Warn("start event without payload")
		return
	}
	if s.callCtx != nil {
		s.logger.Warn("duplicate start event ignored", "streamSid", msg.Start.StreamSID)
		return
	}

	st := msg.Start
	streamID := st.StreamSID
	if streamID == "" {
		streamID = msg.StreamSID
	}
	if streamID == "" {
		streamID = uuid.NewString()
	}
	callID := st.CallSID
	if callID == "" {
		callID = uuid.NewString()
	}
	callerID := st.CustomParameters["caller"]
	if callerID == "" {
		callerID = call.Withheld
	}

	now := time.Now()
	s.callCtx = &call.Context{
		CallID:    callID,
		StreamID:  streamID,
		CallerID:  callerID,
		CalleeID:  st.CustomParameters["callee"],
		StartedAt: now,
	}
	s.logger = s.logger.With("call_id", callID, "stream_id", streamID)
	s.lastMedia = now
	s.metrics.ActiveCalls.Add(gctx, 1)
	s.logger.Info("call started", "caller", callerID)

	s.pacer.Bind(gctx, streamID)

	// Opening line: a warmed cache enqueues pre-synthesized bytes, a miss
	// streams the script through the speaker.
	if s.cfg.OpeningScript != "" {
		s.callCtx.AppendBot(s.cfg.OpeningScript, now)
		gen := s.turn.BeginSpeaking()
		var cached []byte
		if s.prov.Opening != nil {
			cached = s.prov.Opening.Lookup(s.cfg.OpeningScript)
		}
		s.speak(gctx, gen, s.cfg.OpeningScript, cached)
	}

	s.armCallTimers()

	withheld := s.callCtx.CallerWithheld()
	s.g.Go(func() error {
		s.dialRecognizer(gctx, callerID, withheld)
		return nil
	})

	snap := s.callCtx.Snapshot()
	s.g.Go(func() error {
		actx, cancel := context.WithTimeout(gctx, finalizeTimeout)
		defer cancel()
		s.prov.Finalizer.Announce(actx, snap)
		return nil
	})
}

func (s *Session) handleMedia(gctx context.Context, msg *carrier.Message) {
	if s.callCtx == nil {
		return
	}
	s.lastMedia = time.Now()
	if msg.Media == nil {
		s.metrics.ParseErrors.Add(gctx, 1)
		return
	}

	d := s.turn.OnUserAudio()
	if d.BargeIn {
		s.interruptPlayback(gctx)
	}
	if !d.Forward || s.recognizer == nil {
		return
	}

	payload, err := msg.Media.AudioPayload()
	if err != nil {
		s.metrics.ParseErrors.Add(gctx, 1)
		s.logger.Warn("media payload decode failed", "error", err)
		return
	}
	if err := s.recognizer.SendAudio(payload); err != nil {
		s.logger.Warn("recognizer send failed", "error", err)
		return
	}
	s.lastForward = time.Now()
}

// interruptPlayback stops bot audio for a barge-in: the speech worker is
// cancelled, queued frames are dropped, the carrier flushes its own buffer,
// and the pacer is re-armed for the next turn.
func (s *Session) interruptPlayback(gctx context.Context) {
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
	s.pacer.Cancel()
	if err := s.conn.SendClear(gctx, s.callCtx.StreamID); err != nil {
		s.logger.Debug("carrier clear failed", "error", err)
	}
	s.pacer.Bind(gctx, s.callCtx.StreamID)
	if s.recognizer != nil {
		_ = s.recognizer.CancelReply()
	}
	s.logger.Info("barge-in: playback cancelled")
}

// ─── Recognition ──────────────────────────────────────────────────────────────

// dialRecognizer runs off-loop: it annotates the instructions for returning
// callers, opens the recognition session, and posts the result. A session
// that can no longer be delivered is closed here rather than leaked.
func (s *Session) dialRecognizer(gctx context.Context, callerID string, withheld bool) {
	instructions := s.cfg.Instructions
	if s.prov.History != nil && !withheld {
		lctx, cancel := context.WithTimeout(gctx, historyLookupTimeout)
		known, err := s.prov.History.LookupCaller(lctx, callerID)
		cancel()
		switch {
		case err != nil:
			s.logger.Warn("caller history lookup failed", "error", err)
		case known != nil:
			instructions += "\n\n" + returningCallerNote(known)
			s.logger.Info("returning caller recognized", "calls", known.Calls)
		}
	}

	sess, err := s.prov.Recognizer.Connect(gctx, asr.Config{
		Language:     s.cfg.Language,
		Instructions: instructions,
		VADThreshold: s.cfg.VADThreshold,
		VADSilence:   s.cfg.VADSilence,
		VADPrefix:    s.cfg.VADPrefix,
	})

	select {
	case s.events <- recognizerReady{sess: sess, instructions: instructions, err: err}:
	case <-gctx.Done():
		if sess != nil {
			_ = sess.Close()
		}
	}
}

func (s *Session) handleRecognizerReady(ctx, gctx context.Context, ev recognizerReady) {
	s.instructions = ev.instructions
	if ev.err != nil {
		// All transcription backends down: the call cannot proceed.
		s.logger.Error("recognizer connect failed", "error", ev.err)
		s.shutdown(ctx, "recognizer_unavailable")
		return
	}
	s.recognizer = ev.sess
	s.logger.Info("recognizer session open")
	s.g.Go(func() error {
		s.pumpTranscripts(gctx, ev.sess)
		return nil
	})
}

func (s *Session) pumpTranscripts(gctx context.Context, sess asr.Session) {
	for {
		select {
		case <-gctx.Done():
			return
		case t, ok := <-sess.Transcripts():
			if !ok {
				s.post(gctx, recognizerClosed{err: sess.Err()})
				return
			}
			s.post(gctx, transcriptDone{t: t})
		}
	}
}

func (s *Session) handleTranscript(gctx context.Context, t asr.Transcript) {
	if s.callCtx == nil {
		return
	}
	now := time.Now()
	if !s.lastForward.IsZero() {
		s.metrics.ASRDuration.Record(gctx, now.Sub(s.lastForward).Seconds())
	}

	at := t.At
	if at.IsZero() {
		at = now
	}

	d := s.turn.OnTranscript(t.Text, now)
	switch {
	case d.Deduped:
		s.logger.Debug("duplicate transcript collapsed", "text", t.Text)
	case d.StartReply:
		s.callCtx.AppendUser(t.Text, at)
		s.logger.Info("user utterance", "text", t.Text)
		s.startReply(gctx, d)
	case d.Queued:
		s.callCtx.AppendUser(t.Text, at)
		s.logger.Debug("utterance queued", "pending", s.turn.PendingCount())
	}
}

// ─── Reply and playback turns ─────────────────────────────────────────────────

// startReply plays the acknowledgement filler when asked and spawns the
// reply worker for one turn. The FSM guarantees at most one worker runs.
func (s *Session) startReply(gctx context.Context, d turn.ReplyDecision) {
	if d.PlayAck {
		s.playAck()
	}

	gen, text, instructions := d.Gen, d.Text, s.instructions
	start := time.Now()
	s.g.Go(func() error {
		out, err := s.prov.Reply.Generate(gctx, instructions, text)
		s.metrics.ReplyDuration.Record(gctx, time.Since(start).Seconds())
		s.post(gctx, replyDone{gen: gen, text: out, err: err})
		return nil
	})
}

// playAck enqueues the pre-synthesized filler. Best effort: a cold cache
// skips the filler rather than delaying the reply.
func (s *Session) playAck() {
	if s.prov.Ack == nil || s.cfg.AckText == "" {
		return
	}
	b := s.prov.Ack.Lookup(s.cfg.AckText)
	if b == nil {
		s.logger.Debug("ack audio not warmed, skipping filler")
		return
	}
	s.pacer.Enqueue(b)
	s.pacer.Flush()
}

func (s *Session) handleReplyDone(gctx context.Context, ev replyDone) {
	text := ev.text
	if ev.err != nil {
		// The caller keeps the call; they hear the apology instead.
		s.logger.Warn("reply generation failed, substituting apology", "error", ev.err)
		text = s.cfg.ApologyText
	}
	if !s.turn.OnReplyReady(ev.gen) {
		s.logger.Debug("discarding stale reply", "gen", ev.gen)
		return
	}
	if text != "" {
		s.callCtx.AppendBot(text, time.Now())
		s.logger.Info("bot utterance", "text", text)
	}
	s.speak(gctx, ev.gen, text, nil)
}

// speak runs one bot playback turn in a worker: enqueue cached bytes or
// stream text through the speaker, wait for the pacer to drain to the wire,
// send a playback checkpoint, then report completion for gen. A synthesis
// failure still completes the turn — the caller gets silence, not a stuck
// call. Starting a new turn cancels the previous worker.
func (s *Session) speak(gctx context.Context, gen uint64, text string, cached []byte) {
	if s.speakCancel != nil {
		s.speakCancel()
	}
	sctx, cancel := context.WithCancel(gctx)
	s.speakCancel = cancel
	streamSID := s.callCtx.StreamID

	s.g.Go(func() error {
		defer cancel()
		if cached != nil {
			s.pacer.Enqueue(cached)
			s.pacer.Flush()
		} else if text != "" {
			if err := s.prov.Speaker.Speak(sctx, text, s.pacer); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("synthesis failed, turn advances silently", "error", err)
			}
		}
		s.waitDrained(sctx)
		if sctx.Err() == nil {
			_ = s.conn.SendMark(sctx, streamSID, fmt.Sprintf("turn-%d", gen))
		}
		s.post(gctx, playbackDone{gen: gen})
		return nil
	})
}

// waitDrained polls until the pacer queue is empty. Playback completion
// means drained to the wire, not merely enqueued, so the no-listen tail
// starts when the caller actually stops hearing speech.
func (s *Session) waitDrained(ctx context.Context) {
	t := time.NewTicker(s.drainEvery)
	defer t.Stop()
	for {
		if s.pacer.QueuedBytes() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// playWrapup interrupts whatever is playing with the wrap-up phrase shortly
// before the hard call cap.
func (s *Session) playWrapup(gctx context.Context) {
	if s.cfg.WrapupText == "" || s.callCtx == nil {
		return
	}
	s.logger.Info("call cap approaching, playing wrap-up")
	s.callCtx.AppendBot(s.cfg.WrapupText, time.Now())
	gen := s.turn.BeginSpeaking()
	s.speak(gctx, gen, s.cfg.WrapupText, nil)
}

// ─── Read pump ────────────────────────────────────────────────────────────────

// readPump owns all reads from the carrier socket. Malformed frames are
// counted and dropped; the stream survives them. The logger comes in as an
// argument: the loop rebinds s.logger with call IDs after the pump starts.
func (s *Session) readPump(gctx context.Context, logger *slog.Logger) {
	for {
		data, err := s.conn.Read(gctx)
		if err != nil {
			s.post(gctx, carrierClosed{err: err})
			return
		}
		msg, err := carrier.Decode(data)
		if err != nil {
			s.metrics.ParseErrors.Add(gctx, 1)
			logger.Warn("dropping malformed carrier frame", "error", err)
			continue
		}
		s.post(gctx, carrierMsg{msg: msg})
	}
}

// post delivers ev to the mailbox unless the session is gone.
func (s *Session) post(gctx context.Context, ev event) {
	select {
	case s.events <- ev:
	case <-gctx.Done():
	}
}

// ─── Timers ───────────────────────────────────────────────────────────────────

func (s *Session) armCallTimers() {
	s.capTimer = time.NewTimer(s.cfg.MaxCall)
	s.capC = s.capTimer.C
	if s.cfg.MaxCallWarn > 0 && s.cfg.MaxCallWarn < s.cfg.MaxCall {
		s.warnTimer = time.NewTimer(s.cfg.MaxCall - s.cfg.MaxCallWarn)
		s.warnC = s.warnTimer.C
	}
}

func (s *Session) armTail(until time.Time) {
	if s.tailTimer != nil {
		s.tailTimer.Stop()
	}
	s.tailTimer = time.NewTimer(time.Until(until))
	s.tailC = s.tailTimer.C
}

func (s *Session) stopTimers() {
	for _, t := range []*time.Timer{s.tailTimer, s.capTimer, s.warnTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.tailC, s.capC, s.warnC = nil, nil, nil
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

// shutdown tears the call down and finalizes exactly once. The finalized
// flag is set before any work so a failure mid-teardown can never run the
// gate twice. Steps are isolated: one failing never blocks the next.
func (s *Session) shutdown(ctx context.Context, reason string) {
	if s.finalized {
		return
	}
	s.finalized = true
	s.logger.Info("session ending", "reason", reason)

	s.stopTimers()
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
	s.pacer.Cancel()
	if s.recognizer != nil {
		if err := s.recognizer.Close(); err != nil {
			s.logger.Warn("recognizer close failed", "error", err)
		}
		s.recognizer = nil
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("carrier close", "error", err)
	}

	if s.callCtx == nil {
		// The stream never started; there is no call to report.
		return
	}
	s.callCtx.EndedAt = time.Now()
	s.metrics.ActiveCalls.Add(ctx, -1)
	s.metrics.CallDuration.Record(ctx, s.callCtx.Duration().Seconds())

	// Delivery must survive the parent context being cancelled: a server
	// shutdown still reports every in-flight call.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	outcome := s.prov.Finalizer.Finalize(fctx, s.callCtx)
	s.metrics.RecordFinalization(fctx, string(outcome))
}

// returningCallerNote is appended to the agent instructions when the caller
// has history, so the agent can greet them instead of starting cold.
func returningCallerNote(c *history.Caller) string {
	note := fmt.Sprintf("This caller has called %d time(s) before.", c.Calls)
	if c.Name != "" {
		note += fmt.Sprintf(" They previously gave the name %q.", c.Name)
	}
	return note
}
