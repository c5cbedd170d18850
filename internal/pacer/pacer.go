// Package pacer emits μ-law audio toward the carrier at the wire cadence:
// exactly one 160-byte frame every 20 ms once a prebuffer threshold has been
// crossed. The prebuffer absorbs upstream burstiness so playback never
// underruns right after it starts; the final partial frame of a stream is
// padded with μ-law silence.
package pacer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leadline-voice/leadline/pkg/audio"
)

// SendFunc delivers one wire-ready frame. Implementations must not call back
// into the pacer: the pacer's lock is held for the duration of the call so
// that Cancel has a happens-before edge with respect to the next emission.
type SendFunc func(ctx context.Context, streamSID string, frame []byte) error

// Config carries the pacing parameters. Zero values select the defaults.
type Config struct {
	// Interval between frames. Default 20 ms, the wire frame length.
	Interval time.Duration

	// Prebuffer is how much audio must be queued before the first frame is
	// emitted. Default 200 ms. Zero or negative disables the gate.
	Prebuffer time.Duration

	// OnEmit, when set, is called with the frame size after every
	// successful send.
	OnEmit func(n int)

	Logger *slog.Logger
}

// Pacer owns the outbound frame queue of one call. Chunks of any length are
// enqueued; the tick loop carves exact frames across chunk boundaries.
// All methods are safe for concurrent use.
type Pacer struct {
	send     SendFunc
	interval time.Duration
	preBytes int
	onEmit   func(n int)
	logger   *slog.Logger

	mu         sync.Mutex
	streamSID  string
	chunks     [][]byte
	headOff    int
	queued     int
	bound      bool
	stopped    bool
	started    bool
	sendFailed bool
	cancelTick context.CancelFunc
}

// New creates a pacer that delivers frames through send.
func New(send SendFunc, cfg Config) *Pacer {
	if cfg.Interval <= 0 {
		cfg.Interval = audio.FrameDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	preBytes := 0
	if cfg.Prebuffer > 0 {
		// 8 bytes of μ-law per millisecond at 8 kHz.
		preBytes = int(cfg.Prebuffer/time.Millisecond) * 8
	}
	return &Pacer{
		send:     send,
		interval: cfg.Interval,
		preBytes: preBytes,
		onEmit:   cfg.OnEmit,
		logger:   cfg.Logger,
	}
}

// Bind attaches the pacer to a carrier stream and starts the tick loop.
// Binding again after Cancel re-arms the pacer; binding while already active
// is ignored. The loop stops when ctx is cancelled or Cancel is called.
func (p *Pacer) Bind(ctx context.Context, streamSID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bound {
		p.logger.Warn("pacer: bind ignored, already bound", "streamSid", p.streamSID)
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	p.streamSID = streamSID
	p.bound = true
	p.stopped = false
	p.started = false
	p.sendFailed = false
	p.cancelTick = cancel
	go p.run(tickCtx)
}

// Enqueue appends audio bytes to the outbound queue. The input is copied so
// callers may reuse their buffer. Empty input and enqueues after Cancel are
// no-ops.
func (p *Pacer) Enqueue(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	p.chunks = append(p.chunks, buf)
	p.queued += len(buf)
}

// Cancel drops all queued audio and stops emission. After Cancel returns no
// further frames are sent. Idempotent; Bind re-arms.
func (p *Pacer) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelTick != nil {
		p.cancelTick()
		p.cancelTick = nil
	}
	p.stopped = true
	p.bound = false
	p.started = false
	p.chunks = nil
	p.headOff = 0
	p.queued = 0
}

// Flush marks the current burst complete. A burst shorter than the prebuffer
// would otherwise wait behind the gate forever; Flush opens the gate so the
// queued remainder drains at the wire cadence.
func (p *Pacer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.bound {
		return
	}
	p.started = true
}

// QueuedBytes returns the number of unconsumed bytes in the queue.
func (p *Pacer) QueuedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// Emitting reports whether the prebuffer gate has been crossed.
func (p *Pacer) Emitting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Pacer) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pacer) tick(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.bound || ctx.Err() != nil {
		return
	}
	if !p.started {
		if p.queued < p.preBytes {
			return
		}
		p.started = true
	}
	if p.queued == 0 {
		return
	}

	frame := p.carveLocked()
	if err := p.send(ctx, p.streamSID, frame); err != nil {
		if !p.sendFailed {
			p.sendFailed = true
			p.logger.Warn("pacer: frame send failed", "streamSid", p.streamSID, "error", err)
		}
		return
	}
	p.sendFailed = false
	if p.onEmit != nil {
		p.onEmit(len(frame))
	}
}

// carveLocked removes exactly one frame's worth of bytes from the queue,
// crossing chunk boundaries as needed and padding a final partial frame with
// μ-law silence. Caller holds p.mu; the queue is non-empty.
func (p *Pacer) carveLocked() []byte {
	frame := make([]byte, 0, audio.FrameBytes)
	for len(frame) < audio.FrameBytes && len(p.chunks) > 0 {
		head := p.chunks[0]
		need := audio.FrameBytes - len(frame)
		avail := len(head) - p.headOff
		take := min(need, avail)
		frame = append(frame, head[p.headOff:p.headOff+take]...)
		p.headOff += take
		p.queued -= take
		if p.headOff == len(head) {
			p.chunks = p.chunks[1:]
			p.headOff = 0
		}
	}
	for len(frame) < audio.FrameBytes {
		frame = append(frame, audio.SilenceByte)
	}
	return frame
}
