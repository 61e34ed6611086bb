package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// wsClient serializes JSON writes to one websocket. Replies and broadcasts
// share the socket, so every write goes through the mutex.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn}
}

// Send writes v as one JSON message.
func (c *wsClient) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.Close()
}
