package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

var errChannelClosed = errors.New("channel closed")

// wsChannel wraps one WebSocket connection as a presence.Channel. All writes
// (frames, pings, close control) are serialized behind mu; Send fails fast
// once Close has run, which is what keeps routing and teardown mutually
// exclusive without a registry-wide lock.
type wsChannel struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn, done: make(chan struct{})}
}

func (c *wsChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsChannel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// closeWith sends a close frame with the given code/reason and then closes.
func (c *wsChannel) closeWith(code int, reason string) {
	c.mu.Lock()
	if !c.closed {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	}
	c.closeLocked()
	c.mu.Unlock()
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
	return nil
}

func (c *wsChannel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	_ = c.conn.Close()
}

// keepalive pings the peer on every interval until the channel closes. The
// read loop's pong handler extends the read deadline, so a dead peer times
// out after idleTimeout instead of holding presence forever.
func (c *wsChannel) keepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
