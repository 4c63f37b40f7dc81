package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event types pushed to observers.
const (
	EventStatus       = "status"
	EventQR           = "qr"
	EventReady        = "ready"
	EventMessage      = "message"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// Writer must not block; the websocket writer queues and drains elsewhere.
type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	ID     string
	UserID string
	Writer Writer
}

type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	now         func() time.Time
}

func New() *Hub {
	return &Hub{
		connections: make(map[string]map[*Connection]struct{}),
		now:         time.Now,
	}
}

func (h *Hub) Subscribe(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[*Connection]struct{})
	}
	h.connections[conn.UserID][conn] = struct{}{}
}

// Unsubscribe removes exactly conn; other channels of the same user stay registered.
func (h *Hub) Unsubscribe(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.UserID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.UserID)
	}
}

func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// Publish sends {type, data, timestamp} to every open channel of userID.
// Nothing is buffered for users without subscribers.
func (h *Hub) Publish(userID, eventType string, data any) {
	h.mu.RLock()
	set := h.connections[userID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	message, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: h.now().UnixMilli()})
	if err != nil {
		log.Printf("hub: marshal %s event for %s: %v", eventType, userID, err)
		return
	}

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unsubscribe(c)
	}
}

// Send writes one envelope to a single connection, for direct replies.
func (h *Hub) Send(conn *Connection, eventType string, data any) error {
	message, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: h.now().UnixMilli()})
	if err != nil {
		return err
	}
	return conn.Writer.Write(message)
}
