package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wa-session-server/internal/driver/bridge"
	"wa-session-server/internal/model"
)

// slowSidecar keys sessions by user and instance. Logout is slow and DELETE
// drops the event stream of the session it names.
type slowSidecar struct {
	logoutDelay   time.Duration
	logoutStarted chan string

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	deleted []string
}

func newSlowSidecar(t *testing.T, logoutDelay time.Duration) (*httptest.Server, *slowSidecar) {
	t.Helper()
	sc := &slowSidecar{
		logoutDelay:   logoutDelay,
		logoutStarted: make(chan string, 4),
		conns:         make(map[string]*websocket.Conn),
	}
	upgrader := websocket.Upgrader{}
	key := func(r *http.Request) string { return r.PathValue("user") + "/" + r.PathValue("instance") }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{user}/{instance}/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc.mu.Lock()
		sc.conns[key(r)] = conn
		sc.mu.Unlock()
	})
	mux.HandleFunc("POST /sessions/{user}/{instance}/initialize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /sessions/{user}/{instance}/logout", func(w http.ResponseWriter, r *http.Request) {
		sc.logoutStarted <- key(r)
		time.Sleep(sc.logoutDelay)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /sessions/{user}/{instance}", func(w http.ResponseWriter, r *http.Request) {
		k := key(r)
		sc.mu.Lock()
		sc.deleted = append(sc.deleted, k)
		conn := sc.conns[k]
		delete(sc.conns, k)
		sc.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sc
}

func (sc *slowSidecar) hasStream(key string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conns[key] != nil
}

func (sc *slowSidecar) push(t *testing.T, key string, v any) {
	t.Helper()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	conn := sc.conns[key]
	if conn == nil {
		t.Fatalf("no event stream for %s", key)
	}
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("push to %s: %v", key, err)
	}
}

func (sc *slowSidecar) deletedSessions() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.deleted...)
}

func (h *harness) connectViaSidecar(t *testing.T, sc *slowSidecar, userID string) string {
	t.Helper()
	if res, err := h.svc.Connect(context.Background(), userID); err != nil || res != ResultInitializationStarted {
		t.Fatalf("Connect = %q, %v", res, err)
	}
	inst := h.svc.current(userID)
	if inst == nil {
		t.Fatalf("no live instance after connect")
	}
	key := userID + "/" + inst.id
	eventually(t, "event stream "+key, func() bool { return sc.hasStream(key) })
	sc.push(t, key, map[string]any{"type": "ready", "data": map[string]string{"phoneNumber": "41791234567"}})
	eventually(t, "ready", func() bool { return h.status(t, userID).Status == model.StatusReady })
	return inst.id
}

// Scenario: a reconnect made while the previous instance is still logging
// out survives that instance's late teardown.
func TestService_LateTeardownSparesReconnect(t *testing.T) {
	srv, sc := newSlowSidecar(t, 300*time.Millisecond)
	factory, err := bridge.NewFactory(bridge.Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	h := newHarness(t, func(o *Options) {
		o.NewDriver = factory
		o.TeardownTimeout = 2 * time.Second
	})

	oldID := h.connectViaSidecar(t, sc, "u1")

	disconnected := make(chan error, 1)
	go func() { disconnected <- h.svc.Disconnect(context.Background(), "u1") }()
	select {
	case k := <-sc.logoutStarted:
		if k != "u1/"+oldID {
			t.Fatalf("logout hit %s, expected u1/%s", k, oldID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("logout never reached the sidecar")
	}

	newID := h.connectViaSidecar(t, sc, "u1")
	if newID == oldID {
		t.Fatalf("reconnect reused instance %s", oldID)
	}

	select {
	case err := <-disconnected:
		if err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("old teardown never finished")
	}
	time.Sleep(100 * time.Millisecond)

	if got := sc.deletedSessions(); len(got) != 1 || got[0] != "u1/"+oldID {
		t.Fatalf("expected only the old session deleted, got %v", got)
	}
	if !sc.hasStream("u1/" + newID) {
		t.Fatalf("new session stream was dropped")
	}
	v := h.status(t, "u1")
	if v.Status != model.StatusReady || !v.HasInstance {
		t.Fatalf("reconnected session torn down: %+v", v)
	}
	if cur := h.svc.current("u1"); cur == nil || cur.id != newID {
		t.Fatalf("live instance changed after old teardown")
	}
}
