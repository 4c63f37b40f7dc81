package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"wa-session-server/internal/hub"
	"wa-session-server/internal/orchestrator"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxReadSize  = 64 << 10
	sendQueueLen = 64
)

var (
	errWriterClosed = errors.New("websocket writer closed")
	errSlowConsumer = errors.New("websocket send queue full")
)

type WebSocketHandler struct {
	Hub      *hub.Hub
	Sessions *orchestrator.Service
}

type clientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// queuedWriter never blocks the publisher: messages go to a bounded queue
// drained by writePump, and a full queue is reported as a failed write.
type queuedWriter struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newQueuedWriter(conn *websocket.Conn) *queuedWriter {
	return &queuedWriter{conn: conn, send: make(chan []byte, sendQueueLen)}
}

func (w *queuedWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errWriterClosed
	}
	select {
	case w.send <- message:
		return nil
	default:
		return errSlowConsumer
	}
}

func (w *queuedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.send)
	}
	return nil
}

// writePump is the only goroutine writing to the connection.
func (w *queuedWriter) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Serve upgrades an authenticated request and subscribes it to the user's
// session events. Past events are not replayed; the current status is sent
// on subscribe and on request.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := newQueuedWriter(ws)
	conn := &hub.Connection{ID: uuid.NewString(), UserID: userID, Writer: writer}
	go writer.writePump()
	h.Hub.Subscribe(conn)
	defer func() {
		h.Hub.Unsubscribe(conn)
		_ = writer.Close()
	}()

	h.sendStatus(c, conn)

	ws.SetReadLimit(maxReadSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			_ = h.Hub.Send(conn, "pong", nil)
		case "status":
			h.sendStatus(c, conn)
		}
	}
}

func (h *WebSocketHandler) sendStatus(c *gin.Context, conn *hub.Connection) {
	view, err := h.Sessions.Status(c.Request.Context(), conn.UserID)
	if err != nil {
		log.Printf("handler: ws status for %s: %v", conn.UserID, err)
		return
	}
	_ = h.Hub.Send(conn, hub.EventStatus, view)
}
