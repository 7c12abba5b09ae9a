package fanout

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Clients only send pongs
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the gateway in front of the API
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade switches an HTTP request to a WebSocket. On failure the error
// response has already been written.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Client represents a WebSocket connection watching one task
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	taskID string
	send   chan *Message
}

// NewClient creates a new Client instance
func NewClient(hub *Hub, conn *websocket.Conn, taskID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		taskID: taskID,
		send:   make(chan *Message, 64),
	}
}

// Attach serves conn for taskID. snapshot, the task's current state, is
// written before any update; a final snapshot closes the socket right
// after.
func (h *Hub) Attach(conn *websocket.Conn, taskID string, snapshot *Message) {
	client := NewClient(h, conn, taskID)
	if snapshot != nil {
		client.send <- snapshot
	}
	if snapshot == nil || !snapshot.Final {
		h.join(client)
	}

	go client.writePump()
	go client.readPump()
}

// readPump only handles pongs and detects disconnects
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read failed", "task_id", c.taskID, "error", err)
			}
			return
		}
	}
}

// writePump writes each update as its own text frame
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message.Data); err != nil {
				return
			}
			if message.Final {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
