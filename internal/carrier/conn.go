package carrier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// ErrClosed is returned by writes after the connection has been closed.
var ErrClosed = errors.New("carrier: connection closed")

// Conn wraps the media-stream WebSocket with serialized writes. The pacer
// goroutine and the owning session both send frames; coder/websocket permits
// only one concurrent writer, so every write goes through one mutex. Reads
// are not locked: a single read pump owns them.
type Conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewConn wraps an accepted WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read returns the next raw frame from the socket.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("carrier: read: %w", err)
	}
	return data, nil
}

// Write sends one pre-encoded frame as a text message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("carrier: write: %w", err)
	}
	return nil
}

// SendMedia encodes and sends one outbound audio frame.
func (c *Conn) SendMedia(ctx context.Context, streamSID string, mulaw []byte) error {
	data, err := EncodeMedia(streamSID, mulaw)
	if err != nil {
		return err
	}
	return c.Write(ctx, data)
}

// SendClear asks the carrier to drop its buffered outbound audio.
func (c *Conn) SendClear(ctx context.Context, streamSID string) error {
	data, err := EncodeClear(streamSID)
	if err != nil {
		return err
	}
	return c.Write(ctx, data)
}

// SendMark sends a playback checkpoint.
func (c *Conn) SendMark(ctx context.Context, streamSID, name string) error {
	data, err := EncodeMark(streamSID, name)
	if err != nil {
		return err
	}
	return c.Write(ctx, data)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the socket with a normal status. Idempotent; concurrent
// writers observe ErrClosed afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusNormalClosure, "call ended")
}
