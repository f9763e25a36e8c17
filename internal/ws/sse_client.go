package ws

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"log/slog"
)

// SSEClient streams feed frames as Server-Sent Events for clients that cannot
// upgrade to a websocket.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger}
}

// Send emits a data event to the SSE stream.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", payload); err != nil {
		c.closed = true
		if c.log != nil {
			c.log.Warn("sse send failed", "error", err)
		}
		return err
	}
	c.flusher.Flush()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed = true
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
