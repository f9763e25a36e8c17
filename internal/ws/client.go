package ws

import (
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

// Client represents a websocket feed subscriber. Send may be called from the
// hub goroutine while the handler goroutine closes the connection, so writes
// are serialized.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes a text frame to the websocket connection. A slow or dead peer
// fails the write after the deadline and the hub drops the client.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if c.log != nil {
			c.log.Warn("websocket send failed", "error", err)
		}
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.Close()
}
