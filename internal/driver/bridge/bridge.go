// Package bridge implements driver.Driver against an out-of-process driver
// sidecar. Every driver instance gets its own sidecar session, event stream
// (websocket) and REST calls under /sessions/{user}/{instance}.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"wa-session-server/internal/driver"
	"wa-session-server/internal/model"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxEventSize = 4 << 20
)

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// StatusError is returned when the sidecar answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Driver struct {
	userID     string
	instanceID string
	sink       driver.Sink
	baseURL    string
	client     *http.Client
	dialer     *websocket.Dialer

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	state    string
	closed   bool
	terminal bool
	done     chan struct{}
}

// NewFactory returns a driver.Factory creating bridge drivers for opts.BaseURL.
func NewFactory(opts Options) (driver.Factory, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("bridge: invalid base url %q", opts.BaseURL)
	}
	return func(userID, instanceID string, sink driver.Sink) (driver.Driver, error) {
		return New(userID, instanceID, sink, opts)
	}, nil
}

func New(userID, instanceID string, sink driver.Sink, opts Options) (*Driver, error) {
	if userID == "" {
		return nil, errors.New("bridge: missing userID")
	}
	if instanceID == "" {
		return nil, errors.New("bridge: missing instanceID")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("bridge: base url must be http(s), got %q", opts.BaseURL)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Driver{
		userID:     userID,
		instanceID: instanceID,
		sink:       sink,
		baseURL:    base,
		client:     client,
		dialer:     dialer,
		state:      driver.StateUnknown,
		done:       make(chan struct{}),
	}, nil
}

func (d *Driver) sessionPath(elems ...string) string {
	var b strings.Builder
	b.WriteString("/sessions/")
	b.WriteString(url.PathEscape(d.userID))
	b.WriteByte('/')
	b.WriteString(url.PathEscape(d.instanceID))
	for _, e := range elems {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(e))
	}
	return b.String()
}

func (d *Driver) Initialize(ctx context.Context) error {
	wsURL := "ws" + strings.TrimPrefix(d.baseURL, "http") + d.sessionPath("events")
	conn, _, err := d.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("bridge: dial events: %w", err)
	}
	conn.SetReadLimit(maxEventSize)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = conn.Close()
		return errors.New("bridge: driver destroyed")
	}
	d.conn = conn
	d.state = driver.StateOpening
	d.mu.Unlock()

	go d.pingLoop(conn)
	go d.readLoop(conn)

	if err := d.do(ctx, http.MethodPost, d.sessionPath("initialize"), nil, nil, nil); err != nil {
		d.closeConn()
		return err
	}
	return nil
}

func (d *Driver) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(state string) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

func (d *Driver) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			d.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (d *Driver) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.emit(driver.Event{Kind: driver.EventDisconnected, Reason: "bridge connection lost: " + err.Error()})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var we wireEvent
		if err := json.Unmarshal(data, &we); err != nil {
			log.Printf("bridge: %s: bad event: %v", d.userID, err)
			continue
		}
		ev, ok := d.decode(we)
		if !ok {
			continue
		}
		d.emit(ev)
	}
}

func (d *Driver) decode(we wireEvent) (driver.Event, bool) {
	switch driver.EventKind(we.Type) {
	case driver.EventQR:
		var body struct {
			QR string `json:"qr"`
		}
		_ = json.Unmarshal(we.Data, &body)
		d.setState(driver.StatePairing)
		return driver.Event{Kind: driver.EventQR, QR: body.QR}, true
	case driver.EventAuthenticated:
		return driver.Event{Kind: driver.EventAuthenticated}, true
	case driver.EventReady:
		var info model.ReadyInfo
		_ = json.Unmarshal(we.Data, &info)
		d.setState(driver.StateConnected)
		return driver.Event{Kind: driver.EventReady, Info: info}, true
	case driver.EventAuthFailure, driver.EventDisconnected:
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(we.Data, &body)
		d.setState(driver.StateDisconnected)
		return driver.Event{Kind: driver.EventKind(we.Type), Reason: body.Reason}, true
	case driver.EventMessage:
		var msg model.Message
		if err := json.Unmarshal(we.Data, &msg); err != nil {
			log.Printf("bridge: %s: bad message event: %v", d.userID, err)
			return driver.Event{}, false
		}
		return driver.Event{Kind: driver.EventMessage, Message: msg}, true
	case "state":
		var body struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(we.Data, &body); err == nil && body.State != "" {
			d.setState(body.State)
		}
		return driver.Event{}, false
	}
	log.Printf("bridge: %s: ignoring unknown event %q", d.userID, we.Type)
	return driver.Event{}, false
}

// emit forwards ev to the sink; nothing is delivered after a terminal event.
func (d *Driver) emit(ev driver.Event) {
	d.mu.Lock()
	if d.terminal {
		d.mu.Unlock()
		return
	}
	if ev.Kind == driver.EventDisconnected || ev.Kind == driver.EventAuthFailure {
		d.terminal = true
	}
	d.mu.Unlock()
	d.sink(ev)
}

func (d *Driver) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := d.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bridge: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("bridge: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (d *Driver) SendMessage(ctx context.Context, chatID, text string) (model.Message, error) {
	var msg model.Message
	body := map[string]string{"chatId": chatID, "text": text}
	if err := d.do(ctx, http.MethodPost, d.sessionPath("messages"), nil, body, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (d *Driver) Chats(ctx context.Context) ([]model.Chat, error) {
	var chats []model.Chat
	if err := d.do(ctx, http.MethodGet, d.sessionPath("chats"), nil, nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (d *Driver) Messages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}
	var msgs []model.Message
	if err := d.do(ctx, http.MethodGet, d.sessionPath("chats", chatID, "messages"), query, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (d *Driver) Logout(ctx context.Context) error {
	return d.do(ctx, http.MethodPost, d.sessionPath("logout"), nil, nil, nil)
}

// Destroy closes the event stream and asks the sidecar to drop this
// instance's session. A sidecar that no longer knows it is not an error.
func (d *Driver) Destroy(ctx context.Context) error {
	d.closeConn()
	err := d.do(ctx, http.MethodDelete, d.sessionPath(), nil, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (d *Driver) closeConn() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.state = driver.StateDisconnected
	conn := d.conn
	close(d.done)
	d.mu.Unlock()

	if conn != nil {
		d.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		d.writeMu.Unlock()
		_ = conn.Close()
	}
}
