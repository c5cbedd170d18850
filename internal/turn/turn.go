// Package turn implements the turn-taking state machine of one call. The
// controller is pure: it holds no locks and performs no IO. The owning
// session feeds it inputs (inbound audio, completed transcripts, reply and
// playback completions, timer fires) and executes the decisions it returns.
// Exactly one goroutine may drive a Controller.
package turn

import (
	"strings"
	"time"
)

// State enumerates the conversation phases.
type State int

const (
	// Idle means the bot is listening and no reply is in flight.
	Idle State = iota
	// UserSpeaking means the caller interrupted playback and holds the floor.
	UserSpeaking
	// Thinking means a reply request is in flight.
	Thinking
	// BotSpeaking means synthesized audio is being paced out.
	BotSpeaking
	// NoListenTail is the short window after playback in which inbound
	// audio is discarded so the bot does not hear its own echo.
	NoListenTail
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserSpeaking:
		return "user_speaking"
	case Thinking:
		return "thinking"
	case BotSpeaking:
		return "bot_speaking"
	case NoListenTail:
		return "no_listen_tail"
	default:
		return "unknown"
	}
}

// Config carries the turn policies. Zero durations select the defaults.
type Config struct {
	// BargeIn allows the caller to interrupt playback. Off by default.
	BargeIn bool

	// AckEnabled plays a short filler while a reply is being generated.
	AckEnabled bool

	// Tail is the no-listen window after playback ends. Default 900 ms.
	Tail time.Duration

	// DedupWindow collapses identical consecutive transcripts arriving
	// within it. Default 800 ms.
	DedupWindow time.Duration
}

// AudioDecision says what to do with one inbound media payload.
type AudioDecision struct {
	// Forward the audio to the recognizer.
	Forward bool
	// BargeIn means playback must be cancelled before forwarding.
	BargeIn bool
}

// ReplyDecision says whether a reply request should be issued.
type ReplyDecision struct {
	// StartReply is set when the session must request a reply for Text.
	StartReply bool
	// Text is the utterance to answer when StartReply is set.
	Text string
	// Gen identifies the started reply; completions carry it back so
	// stale work from a cancelled turn is ignored.
	Gen uint64
	// PlayAck is set when the acknowledgement filler should be played.
	PlayAck bool
	// Queued is set when the utterance was stored for a later turn.
	Queued bool
	// Deduped is set when the transcript was discarded as a duplicate.
	Deduped bool
}

// Controller is the turn-taking state machine.
type Controller struct {
	state       State
	bargeIn     bool
	ackEnabled  bool
	tail        time.Duration
	dedupWindow time.Duration

	pending   []string
	lastText  string
	lastAt    time.Time
	gen       uint64
	tailUntil time.Time
}

// New creates a controller in the Idle state.
func New(cfg Config) *Controller {
	if cfg.Tail <= 0 {
		cfg.Tail = 900 * time.Millisecond
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 800 * time.Millisecond
	}
	return &Controller{
		state:       Idle,
		bargeIn:     cfg.BargeIn,
		ackEnabled:  cfg.AckEnabled,
		tail:        cfg.Tail,
		dedupWindow: cfg.DedupWindow,
	}
}

// State returns the current phase.
func (c *Controller) State() State { return c.state }

// Gen returns the current reply generation.
func (c *Controller) Gen() uint64 { return c.gen }

// PendingCount returns the number of queued utterances.
func (c *Controller) PendingCount() int { return len(c.pending) }

// OnUserAudio classifies one inbound media payload.
func (c *Controller) OnUserAudio() AudioDecision {
	switch c.state {
	case Idle, UserSpeaking:
		return AudioDecision{Forward: true}
	case Thinking:
		if c.bargeIn {
			return AudioDecision{Forward: true}
		}
		return AudioDecision{}
	case BotSpeaking:
		if c.bargeIn {
			// First audio during playback takes the floor back.
			c.state = UserSpeaking
			c.gen++
			return AudioDecision{Forward: true, BargeIn: true}
		}
		return AudioDecision{}
	case NoListenTail:
		// The tail discards unconditionally so the bot never hears the
		// end of its own playback.
		return AudioDecision{}
	default:
		return AudioDecision{}
	}
}

// OnTranscript applies one completed utterance from the recognizer.
// Whitespace-only transcripts are ignored; duplicates within the dedup
// window are discarded; utterances arriving while a turn is in progress are
// queued in order.
func (c *Controller) OnTranscript(text string, now time.Time) ReplyDecision {
	if strings.TrimSpace(text) == "" {
		return ReplyDecision{}
	}
	if text == c.lastText && now.Sub(c.lastAt) <= c.dedupWindow {
		c.lastAt = now
		return ReplyDecision{Deduped: true}
	}
	c.lastText = text
	c.lastAt = now

	switch c.state {
	case Idle, UserSpeaking:
		c.state = Thinking
		c.gen++
		return ReplyDecision{
			StartReply: true,
			Text:       text,
			Gen:        c.gen,
			PlayAck:    c.ackEnabled,
		}
	default:
		c.pending = append(c.pending, text)
		return ReplyDecision{Queued: true}
	}
}

// BeginSpeaking starts a bot turn that was not prompted by a transcript,
// such as the opening script or the wrap-up phrase near the call cap. It
// invalidates any in-flight reply and returns the generation the playback
// completion must carry.
func (c *Controller) BeginSpeaking() uint64 {
	c.gen++
	c.state = BotSpeaking
	return c.gen
}

// OnReplyReady moves Thinking to BotSpeaking. Completions carrying a stale
// generation report false and must be discarded by the caller.
func (c *Controller) OnReplyReady(gen uint64) bool {
	if gen != c.gen || c.state != Thinking {
		return false
	}
	c.state = BotSpeaking
	return true
}

// OnSpeechDone moves BotSpeaking to NoListenTail and returns the tail
// deadline. Stale generations report false.
func (c *Controller) OnSpeechDone(gen uint64, now time.Time) (time.Time, bool) {
	if gen != c.gen || c.state != BotSpeaking {
		return time.Time{}, false
	}
	c.state = NoListenTail
	c.tailUntil = now.Add(c.tail)
	return c.tailUntil, true
}

// OnTailDeadline fires when the no-listen tail expires. With queued
// utterances the oldest is dequeued and a new reply turn starts; otherwise
// the controller returns to Idle. Dequeued turns never play the
// acknowledgement filler; it belongs to the Idle hop only.
func (c *Controller) OnTailDeadline(now time.Time) ReplyDecision {
	if c.state != NoListenTail {
		return ReplyDecision{}
	}
	if len(c.pending) == 0 {
		c.state = Idle
		return ReplyDecision{}
	}
	text := c.pending[0]
	c.pending = c.pending[1:]
	c.state = Thinking
	c.gen++
	return ReplyDecision{
		StartReply: true,
		Text:       text,
		Gen:        c.gen,
	}
}
