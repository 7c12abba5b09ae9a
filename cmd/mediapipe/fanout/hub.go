// Package fanout pushes upload task updates to WebSocket subscribers.
//
// Updates arrive on the Redis channels the progress notifier publishes to
// and are forwarded to every connection watching that task. Delivery is
// best effort: a client that needs the final state polls the task
// endpoint.
package fanout

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lyzr/mediapipe/common/logger"
)

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	// Map: task id → []*Client
	connections map[string][]*Client
	mutex       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}

	gauge  prometheus.Gauge
	logger *logger.Logger
}

// Message is one task update
type Message struct {
	TaskID string
	Data   []byte
	// Final marks a terminal update; the connection closes after it
	Final bool
}

// NewHub creates a hub. gauge tracks open connections and may be nil.
func NewHub(gauge prometheus.Gauge, log *logger.Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		done:        make(chan struct{}),
		gauge:       gauge,
		logger:      log,
	}
}

// Run is the hub's main loop. On return every connection is closed.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("fanout hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("fanout hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToTask(message)
		}
	}
}

// Publish queues a message for the task's subscribers
func (h *Hub) Publish(ctx context.Context, msg *Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	case <-ctx.Done():
	}
}

func (h *Hub) join(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.connections[client.taskID] = append(h.connections[client.taskID], client)
	if h.gauge != nil {
		h.gauge.Inc()
	}
	h.logger.Debug("client registered",
		"task_id", client.taskID,
		"total_for_task", len(h.connections[client.taskID]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeLocked(client)
}

// removeLocked drops client and closes its send channel. Clients already
// removed are ignored.
func (h *Hub) removeLocked(client *Client) {
	clients := h.connections[client.taskID]
	for i, c := range clients {
		if c != client {
			continue
		}
		h.connections[client.taskID] = append(clients[:i:i], clients[i+1:]...)
		if len(h.connections[client.taskID]) == 0 {
			delete(h.connections, client.taskID)
		}
		close(client.send)
		if h.gauge != nil {
			h.gauge.Dec()
		}
		h.logger.Debug("client unregistered",
			"task_id", client.taskID,
			"remaining_for_task", len(h.connections[client.taskID]))
		return
	}
}

// broadcastToTask sends a message to all connections watching a task
func (h *Hub) broadcastToTask(message *Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	clients := append([]*Client(nil), h.connections[message.TaskID]...)
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			h.logger.Warn("client send buffer full, closing connection", "task_id", client.taskID)
			h.removeLocked(client)
		}
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, clients := range h.connections {
		for _, c := range clients {
			h.removeLocked(c)
		}
	}
}

// GetConnectionCount returns the total number of active connections
func (h *Hub) GetConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}

// GetTaskCount returns the number of tasks with at least one watcher
func (h *Hub) GetTaskCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.connections)
}
