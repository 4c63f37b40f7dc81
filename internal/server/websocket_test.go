package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"wa-session-server/internal/driver"
	"wa-session-server/internal/hub"
)

func dialWS(t *testing.T, env *testEnv, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + env.token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) hub.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env hub.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return env
}

func TestWebSocketPingPong(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env, "user-1")

	if first := readEnvelope(t, conn); first.Type != hub.EventStatus {
		t.Fatalf("expected initial status, got %s", first.Type)
	}
	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if resp := readEnvelope(t, conn); resp.Type != "pong" {
		t.Fatalf("expected pong, got %s", resp.Type)
	}

	if err := conn.WriteJSON(map[string]any{"type": "status"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	resp := readEnvelope(t, conn)
	data, _ := resp.Data.(map[string]any)
	if resp.Type != hub.EventStatus || data["status"] != "disconnected" {
		t.Fatalf("unexpected status reply %+v", resp)
	}
}

func TestWebSocketReceivesSessionEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env, "u1")
	readEnvelope(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Count("u1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	env.do(t, "POST", "/connect", "u1", nil)
	if ev := readEnvelope(t, conn); ev.Type != hub.EventStatus {
		t.Fatalf("expected launching status, got %+v", ev)
	}

	env.drivers.Last("u1").Emit(driver.Event{Kind: driver.EventQR, QR: "blob"})
	ev := readEnvelope(t, conn)
	data, _ := ev.Data.(map[string]any)
	if ev.Type != hub.EventQR || data["qrCode"] != "blob" || ev.Timestamp == 0 {
		t.Fatalf("unexpected qr envelope %+v", ev)
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("expected handshake failure")
	}
}
