// Package speech turns reply text into wire-ready μ-law audio. A Speaker
// splits the text into chunked synthesis requests, streams each response body
// as it arrives, strips a WAV container header from the buffered head when one
// is present, converts 24 kHz PCM outputs down to the telephone rate, and
// appends a short silence tail so playback does not end abruptly.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/leadline-voice/leadline/pkg/audio"
	"github.com/leadline-voice/leadline/pkg/provider/tts"
)

// ErrNoAudio reports that a turn produced no audio at all. The session logs
// it and advances as if playback had finished.
var ErrNoAudio = errors.New("speech: no audio produced")

// Synthesizer is the upstream speech source. [resilience.SpeechChain]
// implements it over the configured text-to-speech targets.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, tts.Format, error)
}

// Sink receives converted audio. [pacer.Pacer] implements it; the opening
// cache uses an in-memory sink.
type Sink interface {
	// Enqueue appends audio bytes for playback. The slice is reused after
	// the call returns; implementations must copy.
	Enqueue(b []byte)
	// Flush marks the utterance complete so short clips are not held back.
	Flush()
}

// Config carries the streaming parameters. Zero values select the defaults.
type Config struct {
	// ChunkChars is the maximum synthesis request length in characters.
	// Zero or negative sends the whole text as one request.
	ChunkChars int

	// Tail is the silence appended after the last audio byte. Default
	// 180 ms; negative disables it.
	Tail time.Duration

	// HeadBytes is how much of each response body is buffered before the
	// container header check. Default 4096.
	HeadBytes int

	// OnSynthesis, when set, is called once per synthesis request with the
	// time until the upstream began responding and the request error.
	OnSynthesis func(wait time.Duration, err error)

	Logger *slog.Logger
}

// Speaker streams synthesized speech into a Sink. Safe for concurrent use;
// each Speak call is independent.
type Speaker struct {
	synth       Synthesizer
	chunkChars  int
	tail        time.Duration
	headBytes   int
	onSynthesis func(wait time.Duration, err error)
	logger      *slog.Logger
}

// New creates a Speaker backed by synth.
func New(synth Synthesizer, cfg Config) *Speaker {
	if cfg.Tail == 0 {
		cfg.Tail = 180 * time.Millisecond
	}
	if cfg.HeadBytes <= 0 {
		cfg.HeadBytes = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Speaker{
		synth:       synth,
		chunkChars:  cfg.ChunkChars,
		tail:        cfg.Tail,
		headBytes:   cfg.HeadBytes,
		onSynthesis: cfg.OnSynthesis,
		logger:      cfg.Logger,
	}
}

// Speak synthesizes text and enqueues the converted audio onto sink, followed
// by the silence tail. A chunk failure mid-utterance stops further requests
// but keeps what already played; only when nothing was produced does Speak
// report ErrNoAudio. Cancelling ctx stops the stream between reads so no
// bytes from a cancelled turn reach the sink, and skips the tail.
func (s *Speaker) Speak(ctx context.Context, text string, sink Sink) error {
	chunks := SplitChunks(text, s.chunkChars)
	if len(chunks) == 0 {
		return ErrNoAudio
	}

	produced := false
	for i, chunk := range chunks {
		n, err := s.speakChunk(ctx, chunk, sink)
		if n > 0 {
			produced = true
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("speech: synthesis chunk failed",
				"chunk", i+1,
				"chunks", len(chunks),
				"error", err,
			)
			break
		}
	}
	if !produced {
		return ErrNoAudio
	}

	if s.tail > 0 {
		sink.Enqueue(audio.SilenceMulaw(s.tail))
	}
	sink.Flush()
	return nil
}

// speakChunk issues one synthesis request and streams the body into sink.
// It returns the number of bytes enqueued.
func (s *Speaker) speakChunk(ctx context.Context, text string, sink Sink) (int, error) {
	start := time.Now()
	body, format, err := s.synth.Synthesize(ctx, text)
	if s.onSynthesis != nil {
		s.onSynthesis(time.Since(start), err)
	}
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var conv converter
	switch format {
	case tts.FormatULaw8000:
		conv = passthrough{}
	case tts.FormatPCM24000:
		conv = &pcm24k{}
	default:
		return 0, fmt.Errorf("speech: unsupported synthesis format %q", format)
	}

	// Buffer the head so a WAV container header can be recognized and
	// removed exactly once, before any byte is enqueued.
	head := make([]byte, 0, s.headBytes)
	buf := make([]byte, 4096)
	eof := false
	for len(head) < s.headBytes && !eof {
		n, rerr := body.Read(buf)
		if cerr := ctx.Err(); cerr != nil {
			return 0, cerr
		}
		head = append(head, buf[:n]...)
		switch {
		case errors.Is(rerr, io.EOF):
			eof = true
		case rerr != nil:
			return 0, fmt.Errorf("speech: read synthesis stream: %w", rerr)
		}
	}

	total := 0
	if out := conv.Convert(audio.StripWAV(head)); len(out) > 0 {
		sink.Enqueue(out)
		total += len(out)
	}
	for !eof {
		n, rerr := body.Read(buf)
		if cerr := ctx.Err(); cerr != nil {
			return total, cerr
		}
		if out := conv.Convert(buf[:n]); len(out) > 0 {
			sink.Enqueue(out)
			total += len(out)
		}
		switch {
		case errors.Is(rerr, io.EOF):
			eof = true
		case rerr != nil:
			return total, fmt.Errorf("speech: read synthesis stream: %w", rerr)
		}
	}
	return total, nil
}

// converter adapts one synthesis format to wire μ-law. Convert may be called
// with arbitrary split points; implementations carry alignment state across
// calls.
type converter interface {
	Convert(b []byte) []byte
}

// passthrough handles bodies that are already 8 kHz μ-law.
type passthrough struct{}

func (passthrough) Convert(b []byte) []byte { return b }

// pcm24k converts 24 kHz little-endian PCM to 8 kHz μ-law. Input is consumed
// in whole three-sample groups so the downsample phase never drifts across
// chunk boundaries; a sub-group remainder is carried to the next call.
type pcm24k struct {
	rem []byte
}

func (c *pcm24k) Convert(b []byte) []byte {
	data := b
	if len(c.rem) > 0 {
		data = make([]byte, 0, len(c.rem)+len(b))
		data = append(data, c.rem...)
		data = append(data, b...)
		c.rem = nil
	}
	const group = 6 // three 16-bit samples
	usable := len(data) - len(data)%group
	if usable < len(data) {
		c.rem = append([]byte(nil), data[usable:]...)
	}
	if usable == 0 {
		return nil
	}
	return audio.EncodeMulaw(audio.Downsample3x(audio.BytesToSamples(data[:usable])))
}
