package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/leadline-voice/leadline/internal/call"
	"github.com/leadline-voice/leadline/internal/carrier"
	"github.com/leadline-voice/leadline/internal/finalize"
	finalizemock "github.com/leadline-voice/leadline/internal/finalize/mock"
	"github.com/leadline-voice/leadline/internal/history"
	historymock "github.com/leadline-voice/leadline/internal/history/mock"
	"github.com/leadline-voice/leadline/internal/observe"
	"github.com/leadline-voice/leadline/internal/opening"
	"github.com/leadline-voice/leadline/internal/speech"
	asrmock "github.com/leadline-voice/leadline/pkg/provider/asr/mock"
	replymock "github.com/leadline-voice/leadline/pkg/provider/reply/mock"
)

// ─── Doubles ──────────────────────────────────────────────────────────────────

// fakeConn is a scriptable CarrierConn. Tests push inbound frames through
// deliver and read back everything the session wrote to the wire.
type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	media  [][]byte
	clears int
	marks  []string
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64)}
}

func (c *fakeConn) deliver(frame []byte) { c.inbound <- frame }

// hangup makes the next Read fail, as a dropped socket would.
func (c *fakeConn) hangup() { close(c.inbound) }

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-c.inbound:
		if !ok {
			return nil, errors.New("fake conn: connection reset")
		}
		return b, nil
	}
}

func (c *fakeConn) SendMedia(_ context.Context, _ string, mulaw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(mulaw))
	copy(buf, mulaw)
	c.media = append(c.media, buf)
	return nil
}

func (c *fakeConn) SendClear(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

func (c *fakeConn) SendMark(_ context.Context, _, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks = append(c.marks, name)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) mediaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.media)
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.media))
	copy(out, c.media)
	return out
}

func (c *fakeConn) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

func (c *fakeConn) markNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.marks))
	copy(out, c.marks)
	return out
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stubSpeaker satisfies Speaker with fixed audio per utterance.
type stubSpeaker struct {
	audio []byte
	err   error

	mu    sync.Mutex
	calls []string
}

func (sp *stubSpeaker) Speak(ctx context.Context, text string, sink speech.Sink) error {
	sp.mu.Lock()
	sp.calls = append(sp.calls, text)
	sp.mu.Unlock()
	if sp.err != nil {
		return sp.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sink.Enqueue(sp.audio)
	sink.Flush()
	return nil
}

func (sp *stubSpeaker) spoken() []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make([]string, len(sp.calls))
	copy(out, sp.calls)
	return out
}

// fixedSpeaker warms opening caches with a known byte pattern.
type fixedSpeaker struct{ audio []byte }

func (f fixedSpeaker) Speak(_ context.Context, _ string, sink speech.Sink) error {
	sink.Enqueue(f.audio)
	sink.Flush()
	return nil
}

// ─── Harness ──────────────────────────────────────────────────────────────────

// Byte patterns tell the audio sources apart on the wire.
const (
	openingByte = 0x13
	ackByte     = 0x2A
	replyByte   = 0x4B
	callerByte  = 0x7F
)

func mulawBytes(v byte, n int) []byte {
	return bytes.Repeat([]byte{v}, n)
}

// harness wires a Session to its doubles with timers compressed for tests.
type harness struct {
	conn     *fakeConn
	asrSess  *asrmock.Session
	asrProv  *asrmock.Provider
	replies  *replymock.Generator
	speaker  *stubSpeaker
	delivery *finalizemock.Delivery
	store    *historymock.Store
	opening  *opening.Cache
	ack      *opening.Cache
	sess     *Session

	stopped chan struct{}
	runErr  error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		conn:     newFakeConn(),
		asrSess:  asrmock.NewSession(),
		replies:  replymock.NewGenerator("בסדר, רשמתי"),
		speaker:  &stubSpeaker{audio: mulawBytes(replyByte, 160)},
		delivery: &finalizemock.Delivery{},
		store:    &historymock.Store{},
		opening:  opening.NewCache(),
		ack:      opening.NewCache(),
		stopped:  make(chan struct{}),
	}
	h.asrProv = asrmock.NewProvider(h.asrSess)

	logger := slog.New(slog.DiscardHandler)
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if cfg.Language == "" {
		cfg.Language = "he"
	}
	if cfg.Instructions == "" {
		cfg.Instructions = "ענה בקצרה"
	}
	if cfg.NoBargeTail == 0 {
		cfg.NoBargeTail = 40 * time.Millisecond
	}
	if cfg.Prebuffer == 0 {
		cfg.Prebuffer = time.Millisecond
	}
	cfg.Logger = logger
	cfg.Metrics = metrics

	if cfg.OpeningScript != "" {
		h.warmCache(t, h.opening, cfg.OpeningScript, mulawBytes(openingByte, 480))
	}
	if cfg.AckText != "" {
		h.warmCache(t, h.ack, cfg.AckText, mulawBytes(ackByte, 160))
	}

	fin := finalize.New(h.delivery, h.store, finalize.Config{Language: "he", Logger: logger})
	h.sess = New(h.conn, Providers{
		Recognizer: h.asrProv,
		Reply:      h.replies,
		Speaker:    h.speaker,
		Opening:    h.opening,
		Ack:        h.ack,
		Finalizer:  fin,
		History:    h.store,
	}, cfg)
	h.sess.idleEvery = 10 * time.Millisecond
	h.sess.drainEvery = 5 * time.Millisecond
	return h
}

func (h *harness) warmCache(t *testing.T, c *opening.Cache, text string, audio []byte) {
	t.Helper()
	if err := c.Warm(context.Background(), fixedSpeaker{audio: audio}, text); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.runErr = h.sess.Run(ctx)
		close(h.stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.stopped:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop after cancel")
		}
	})
}

// waitDone blocks until Run returns and reports its error.
func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case <-h.stopped:
		return h.runErr
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) ended() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Inbound frame builders ───────────────────────────────────────────────────

func encodeFrame(t *testing.T, m carrier.Message) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func startFrame(t *testing.T, caller string) []byte {
	t.Helper()
	st := &carrier.Start{
		StreamSID: "MZ1",
		CallSID:   "CA1",
		MediaFormat: carrier.MediaFormat{
			Encoding:   "audio/x-mulaw",
			SampleRate: 8000,
			Channels:   1,
		},
	}
	if caller != "" {
		st.CustomParameters = map[string]string{"caller": caller}
	}
	return encodeFrame(t, carrier.Message{Event: carrier.EventStart, StreamSID: "MZ1", Start: st})
}

func mediaFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	m, err := carrier.EncodeMedia("MZ1", payload)
	if err != nil {
		t.Fatalf("encode media: %v", err)
	}
	return m
}

func stopFrame(t *testing.T) []byte {
	t.Helper()
	return encodeFrame(t, carrier.Message{
		Event:     carrier.EventStop,
		StreamSID: "MZ1",
		Stop:      &carrier.Stop{CallSID: "CA1"},
	})
}

// outcomePayload returns the non-announcement payload, asserting the call
// produced exactly one announcement and one outcome.
func outcomePayload(t *testing.T, payloads []finalize.Payload) finalize.Payload {
	t.Helper()
	var logs, outcomes []finalize.Payload
	for _, p := range payloads {
		if p.Event == finalize.EventCallLog {
			logs = append(logs, p)
		} else {
			outcomes = append(outcomes, p)
		}
	}
	if len(logs) != 1 || len(outcomes) != 1 {
		t.Fatalf("payloads: %d announcements, %d outcomes; want 1 and 1", len(logs), len(outcomes))
	}
	return outcomes[0]
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestSession_OpeningPlaysFromCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{OpeningScript: "שלום, הגעתם למשרד"})
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	waitFor(t, 2*time.Second, func() bool { return h.conn.mediaCount() >= 3 }, "opening frames")

	if got := h.speaker.spoken(); len(got) != 0 {
		t.Errorf("speaker calls = %v, want none for a cached opening", got)
	}
	first := h.conn.frames()[0]
	if len(first) != 160 {
		t.Fatalf("frame size = %d, want 160", len(first))
	}
	if !bytes.Equal(first, mulawBytes(openingByte, 160)) {
		t.Errorf("first frame = %x..., want cached opening bytes", first[:4])
	}

	h.conn.deliver(stopFrame(t))
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !h.conn.wasClosed() {
		t.Error("carrier connection not closed")
	}

	p := outcomePayload(t, h.delivery.Payloads())
	if p.Event != "ABANDONED" {
		t.Errorf("outcome = %q, want ABANDONED when the caller said nothing", p.Event)
	}
	if p.CallID != "CA1" || p.CallerID != "0501234567" {
		t.Errorf("payload identity = %q/%q", p.CallID, p.CallerID)
	}
	if !strings.Contains(p.TranscriptText, "bot: שלום, הגעתם למשרד") {
		t.Errorf("transcript missing opening: %q", p.TranscriptText)
	}
}

func TestSession_OpeningSynthesizedOnCacheMiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{OpeningScript: "ערב טוב"})
	// Evict by warming a different script so Lookup misses.
	h.warmCache(t, h.opening, "טקסט אחר", mulawBytes(openingByte, 480))
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	waitFor(t, 2*time.Second, func() bool {
		spoke := h.speaker.spoken()
		return len(spoke) == 1 && spoke[0] == "ערב טוב"
	}, "opening synthesized through the speaker")

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)
}

func TestSession_TranscriptReplyPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.replies.Reply = "כן, במה אפשר לעזור?"
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	h.asrSess.EmitTranscript("קוראים לי שי, יש לי שאלה")
	waitFor(t, 2*time.Second, func() bool { return len(h.conn.markNames()) >= 1 }, "playback checkpoint")

	calls := h.replies.GenerateCalls()
	if len(calls) != 1 {
		t.Fatalf("Generate calls = %d, want 1", len(calls))
	}
	if calls[0].UserText != "קוראים לי שי, יש לי שאלה" {
		t.Errorf("UserText = %q", calls[0].UserText)
	}
	if calls[0].Instructions != "ענה בקצרה" {
		t.Errorf("Instructions = %q", calls[0].Instructions)
	}
	if spoke := h.speaker.spoken(); len(spoke) != 1 || spoke[0] != "כן, במה אפשר לעזור?" {
		t.Errorf("spoken = %v", spoke)
	}
	if marks := h.conn.markNames(); marks[0] != "turn-1" {
		t.Errorf("mark = %q, want turn-1", marks[0])
	}
	if h.conn.mediaCount() == 0 {
		t.Error("no media frames reached the wire")
	}

	h.conn.deliver(stopFrame(t))
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	p := outcomePayload(t, h.delivery.Payloads())
	if p.Event != "FINAL" {
		t.Fatalf("outcome = %q, want FINAL", p.Event)
	}
	want := "user: קוראים לי שי, יש לי שאלה\nbot: כן, במה אפשר לעזור?"
	if p.TranscriptText != want {
		t.Errorf("transcript = %q\nwant %q", p.TranscriptText, want)
	}
	if p.Lead.Name != "שי" {
		t.Errorf("Lead.Name = %q, want שי", p.Lead.Name)
	}
	recs := h.store.Records()
	if len(recs) != 1 || recs[0].Outcome != "FINAL" {
		t.Errorf("history records = %+v", recs)
	}
}

func TestSession_ForwardsCallerAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	payload := mulawBytes(callerByte, 160)
	waitFor(t, 2*time.Second, func() bool {
		h.conn.deliver(mediaFrame(t, payload))
		return len(h.asrSess.SendAudioCalls()) > 0
	}, "audio forwarded to the recognizer")

	if got := h.asrSess.SendAudioCalls()[0]; !bytes.Equal(got, payload) {
		t.Errorf("forwarded payload = %x..., want caller bytes", got[:4])
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)
}

func TestSession_OpeningBlocksForwarding(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{OpeningScript: "שלום"})
	// A long opening keeps playback running while caller audio arrives.
	h.warmCache(t, h.opening, "שלום", mulawBytes(openingByte, 4800))
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	waitFor(t, 2*time.Second, func() bool { return h.conn.mediaCount() >= 1 }, "opening playback")

	for range 5 {
		h.conn.deliver(mediaFrame(t, mulawBytes(callerByte, 160)))
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.asrSess.SendAudioCalls(); len(got) != 0 {
		t.Errorf("forwarded %d payloads during opening playback, want 0", len(got))
	}
	if h.conn.clearCount() != 0 {
		t.Errorf("clears = %d, want 0 with barge-in disabled", h.conn.clearCount())
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)
}

func TestSession_BargeInCancelsPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AllowBargeIn: true})
	h.speaker.audio = mulawBytes(replyByte, 4800) // long reply, still playing at barge
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))

	// A transcript reaching the reply path proves the recognizer session is
	// wired; reply frames on the wire prove playback is running.
	h.asrSess.EmitTranscript("יש לי שאלה")
	waitFor(t, 2*time.Second, func() bool { return h.conn.mediaCount() >= 1 }, "reply playback")

	h.conn.deliver(mediaFrame(t, mulawBytes(callerByte, 160))) // caller interrupts
	waitFor(t, 2*time.Second, func() bool { return h.conn.clearCount() >= 1 }, "clear on barge-in")

	if got := h.asrSess.CancelReplyCalls(); got != 1 {
		t.Errorf("CancelReply calls = %d, want 1", got)
	}
	// The barging audio itself is forwarded; the caller holds the floor.
	waitFor(t, 2*time.Second, func() bool {
		return len(h.asrSess.SendAudioCalls()) >= 1
	}, "barge audio forwarded")
	if got := h.asrSess.SendAudioCalls()[0]; !bytes.Equal(got, mulawBytes(callerByte, 160)) {
		t.Errorf("forwarded payload = %x..., want the barging audio", got[:4])
	}

	h.asrSess.EmitTranscript("רציתי לקבוע פגישה")
	waitFor(t, 2*time.Second, func() bool {
		return len(h.replies.GenerateCalls()) >= 2
	}, "next reply requested")
	if calls := h.replies.GenerateCalls(); calls[1].UserText != "רציתי לקבוע פגישה" {
		t.Errorf("second UserText = %q", calls[1].UserText)
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)
}

func TestSession_AckFillerWhileThinking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AckEnabled: true, AckText: "רק רגע"})
	h.replies.ReplyFunc = func(string) (string, error) {
		time.Sleep(80 * time.Millisecond) // reply slower than the filler
		return "מצאתי", nil
	}
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	h.asrSess.EmitTranscript("מתי אתם פתוחים")
	waitFor(t, 2*time.Second, func() bool { return h.conn.mediaCount() >= 1 }, "ack frame")

	if first := h.conn.frames()[0]; !bytes.Equal(first, mulawBytes(ackByte, 160)) {
		t.Errorf("first frame = %x..., want ack filler bytes", first[:4])
	}

	waitFor(t, 2*time.Second, func() bool { return len(h.conn.markNames()) >= 1 }, "reply playback")
	var sawReply bool
	for _, f := range h.conn.frames() {
		if f[0] == replyByte {
			sawReply = true
			break
		}
	}
	if !sawReply {
		t.Error("reply audio never reached the wire after the filler")
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)
}

func TestSession_QueuedUtteranceAnsweredAfterTail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.replies.ReplyFunc = func(user string) (string, error) {
		time.Sleep(40 * time.Millisecond)
		return "הבנתי: " + user, nil
	}
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	h.asrSess.EmitTranscript("קוראים לי שי")
	h.asrSess.EmitTranscript("אני רוצה לקבוע תור") // lands while the first reply is in flight

	waitFor(t, 3*time.Second, func() bool {
		return len(h.replies.GenerateCalls()) >= 2
	}, "queued utterance answered")
	if calls := h.replies.GenerateCalls(); calls[1].UserText != "אני רוצה לקבוע תור" {
		t.Errorf("dequeued UserText = %q", calls[1].UserText)
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)

	p := outcomePayload(t, h.delivery.Payloads())
	if got := strings.Count(p.TranscriptText, "user: "); got != 2 {
		t.Errorf("transcript has %d user lines, want 2: %q", got, p.TranscriptText)
	}
}

func TestSession_DuplicateTranscriptCollapsed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.replies.ReplyFunc = func(user string) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "תשובה", nil
	}
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	h.asrSess.EmitTranscript("כן")
	h.asrSess.EmitTranscript("כן") // recognizer echo within the dedup window

	waitFor(t, 2*time.Second, func() bool {
		return len(h.replies.GenerateCalls()) >= 1
	}, "first reply")
	time.Sleep(100 * time.Millisecond)
	if got := len(h.replies.GenerateCalls()); got != 1 {
		t.Errorf("Generate calls = %d, want duplicate collapsed to 1", got)
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)
}

func TestSession_ReplyFailurePlaysApology(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ApologyText: "סליחה, קרתה תקלה"})
	h.replies.GenerateErr = errors.New("every backend down")
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	h.asrSess.EmitTranscript("שלום?")
	waitFor(t, 2*time.Second, func() bool { return len(h.speaker.spoken()) >= 1 }, "apology synthesized")

	if got := h.speaker.spoken()[0]; got != "סליחה, קרתה תקלה" {
		t.Errorf("spoken = %q, want the apology", got)
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)

	p := outcomePayload(t, h.delivery.Payloads())
	if !strings.Contains(p.TranscriptText, "bot: סליחה, קרתה תקלה") {
		t.Errorf("transcript missing apology: %q", p.TranscriptText)
	}
}

func TestSession_RecognizerConnectFailureEndsCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.asrProv.ConnectErr = errors.New("all transcription backends failed")
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !h.conn.wasClosed() {
		t.Error("carrier connection not closed")
	}
	if p := outcomePayload(t, h.delivery.Payloads()); p.Event != "ABANDONED" {
		t.Errorf("outcome = %q, want ABANDONED", p.Event)
	}
}

func TestSession_RecognizerConfigPropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		Language:     "he-IL",
		VADThreshold: 0.6,
		VADSilence:   700 * time.Millisecond,
		VADPrefix:    300 * time.Millisecond,
	})
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	waitFor(t, 2*time.Second, func() bool { return len(h.asrProv.ConnectCalls()) >= 1 }, "recognizer dial")

	cfg := h.asrProv.ConnectCalls()[0].Config
	if cfg.Language != "he-IL" {
		t.Errorf("Language = %q", cfg.Language)
	}
	if cfg.VADThreshold != 0.6 || cfg.VADSilence != 700*time.Millisecond || cfg.VADPrefix != 300*time.Millisecond {
		t.Errorf("VAD config = %+v", cfg)
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)
}

func TestSession_ReturningCallerAnnotation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.store.LookupResult = &history.Caller{CallerID: "0501234567", Name: "שי", Calls: 2}
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	waitFor(t, 2*time.Second, func() bool { return len(h.asrProv.ConnectCalls()) >= 1 }, "recognizer dial")

	if got := h.store.LookupCalls(); len(got) != 1 || got[0] != "0501234567" {
		t.Fatalf("LookupCalls = %v", got)
	}
	ins := h.asrProv.ConnectCalls()[0].Config.Instructions
	if !strings.HasPrefix(ins, "ענה בקצרה") {
		t.Errorf("instructions lost their base prompt: %q", ins)
	}
	if !strings.Contains(ins, "called 2 time(s) before") || !strings.Contains(ins, `"שי"`) {
		t.Errorf("instructions missing returning-caller note: %q", ins)
	}

	// The annotated instructions drive reply generation too.
	h.asrSess.EmitTranscript("שלום")
	waitFor(t, 2*time.Second, func() bool { return len(h.replies.GenerateCalls()) >= 1 }, "reply request")
	if got := h.replies.GenerateCalls()[0].Instructions; !strings.Contains(got, "called 2 time(s) before") {
		t.Errorf("reply instructions = %q, want annotated", got)
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)
}

func TestSession_WithheldCallerSkipsLookup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.run(t)

	h.conn.deliver(startFrame(t, "")) // no caller parameter
	waitFor(t, 2*time.Second, func() bool { return len(h.asrProv.ConnectCalls()) >= 1 }, "recognizer dial")

	if got := h.store.LookupCalls(); len(got) != 0 {
		t.Errorf("LookupCalls = %v, want none for a withheld caller", got)
	}

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)

	if p := outcomePayload(t, h.delivery.Payloads()); p.CallerID != call.Withheld {
		t.Errorf("payload CallerID = %q, want %q", p.CallerID, call.Withheld)
	}
}

func TestSession_IdleTimeoutHangsUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{IdleHangup: 50 * time.Millisecond})
	h.run(t)

	start := time.Now()
	h.conn.deliver(startFrame(t, "0501234567"))
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if since := time.Since(start); since > time.Second {
		t.Errorf("idle hangup took %v", since)
	}
	if !h.conn.wasClosed() {
		t.Error("carrier connection not closed")
	}
	outcomePayload(t, h.delivery.Payloads())
}

func TestSession_MediaRefreshesIdleClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{IdleHangup: 120 * time.Millisecond})
	h.run(t)

	start := time.Now()
	h.conn.deliver(startFrame(t, "0501234567"))
	for range 6 {
		h.conn.deliver(mediaFrame(t, mulawBytes(callerByte, 160)))
		time.Sleep(30 * time.Millisecond)
	}
	if h.ended() {
		t.Fatal("session idled out while media was flowing")
	}
	h.waitDone(t)
	if since := time.Since(start); since < 250*time.Millisecond {
		t.Errorf("session lived %v, want the traffic window plus the idle allowance", since)
	}
}

func TestSession_MaxCallCapEndsCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxCall: 80 * time.Millisecond, IdleHangup: 10 * time.Second})
	h.run(t)

	start := time.Now()
	h.conn.deliver(startFrame(t, "0501234567"))
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	since := time.Since(start)
	if since < 60*time.Millisecond || since > time.Second {
		t.Errorf("call capped after %v, want about the configured cap", since)
	}
	outcomePayload(t, h.delivery.Payloads())
}

func TestSession_WrapupBeforeCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		MaxCall:     200 * time.Millisecond,
		MaxCallWarn: 120 * time.Millisecond,
		WrapupText:  "אנחנו מסיימים, תודה",
		IdleHangup:  10 * time.Second,
	})
	h.run(t)

	h.conn.deliver(startFrame(t, "0501234567"))
	h.waitDone(t)

	var spokeWrapup bool
	for _, s := range h.speaker.spoken() {
		if s == "אנחנו מסיימים, תודה" {
			spokeWrapup = true
		}
	}
	if !spokeWrapup {
		t.Errorf("spoken = %v, want the wrap-up phrase", h.speaker.spoken())
	}
	p := outcomePayload(t, h.delivery.Payloads())
	if !strings.Contains(p.TranscriptText, "bot: אנחנו מסיימים, תודה") {
		t.Errorf("transcript missing wrap-up: %q", p.TranscriptText)
	}
}

func TestSession_FinalizesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.run(t)

	// stop and transport loss race; only one finalization may win.
	h.conn.deliver(startFrame(t, "0501234567"))
	h.conn.deliver(stopFrame(t))
	h.conn.hangup()
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	outcomePayload(t, h.delivery.Payloads())
	if recs := h.store.Records(); len(recs) != 1 {
		t.Errorf("history records = %d, want 1", len(recs))
	}
	if !h.asrSess.Closed() {
		t.Error("recognizer session left open")
	}
}

func TestSession_NoStartNoFinalize(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.run(t)

	h.conn.deliver(encodeFrame(t, carrier.Message{Event: carrier.EventConnected}))
	h.conn.hangup()
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if got := h.delivery.Payloads(); len(got) != 0 {
		t.Errorf("payloads = %d, want none when the stream never started", len(got))
	}
	if got := h.store.Records(); len(got) != 0 {
		t.Errorf("history records = %d, want 0", len(got))
	}
	if !h.conn.wasClosed() {
		t.Error("carrier connection not closed")
	}
}

func TestSession_MalformedFrameSurvived(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.run(t)

	h.conn.deliver([]byte("{not json"))
	h.conn.deliver(startFrame(t, "0501234567"))
	h.asrSess.EmitTranscript("קוראים לי דנה, יש לי שאלה")
	waitFor(t, 2*time.Second, func() bool { return len(h.replies.GenerateCalls()) >= 1 }, "reply after bad frame")

	h.conn.deliver(stopFrame(t))
	h.waitDone(t)

	p := outcomePayload(t, h.delivery.Payloads())
	if p.Event != "FINAL" || p.Lead.Name != "דנה" {
		t.Errorf("outcome = %q lead = %q, want FINAL/דנה", p.Event, p.Lead.Name)
	}
}
