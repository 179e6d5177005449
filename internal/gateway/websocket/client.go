package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// client is one WebSocket connection. The write pump is the only
// writer on the connection; everything else goes through send.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu        sync.Mutex
	sessionID string
	unsub     func()
	closed    bool
}

func (c *client) bindSession(sessionID string, unsub func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub != nil {
		c.unsub()
	}
	c.sessionID = sessionID
	c.unsub = unsub
}

func (c *client) boundSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	close(c.send)
}

// enqueue drops the frame when the send buffer is full; a reader that
// cannot keep up reconnects and replays.
func (c *client) enqueue(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal ws frame", zap.Error(err))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("ws send buffer full, dropping frame", zap.String("client_id", c.id))
		return false
	}
}

// writePump flushes the send channel to the connection and keeps the
// ping/pong heartbeat alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Batch whatever else is queued into this write.
			for i := 0; i < len(c.send); i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
