// Package driver defines the contract between the session orchestrator and a
// messaging-network client. Implementations own pairing and transport; the
// orchestrator only sees the events and calls below.
package driver

import (
	"context"

	"wa-session-server/internal/model"
)

type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
)

// Low-level connection states reported by State.
const (
	StateUnknown      = "UNKNOWN"
	StateOpening      = "OPENING"
	StatePairing      = "PAIRING"
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
)

type Event struct {
	Kind    EventKind
	QR      string
	Info    model.ReadyInfo
	Reason  string
	Message model.Message
}

// Sink receives the events of one driver instance, in order.
type Sink func(Event)

type Driver interface {
	// Initialize starts pairing or resumes saved credentials. It may return
	// before any event is delivered; failure is reported by a non-nil error.
	Initialize(ctx context.Context) error
	// State is a fast, non-blocking query of the current connection state.
	State() string
	SendMessage(ctx context.Context, chatID, text string) (model.Message, error)
	Chats(ctx context.Context) ([]model.Chat, error)
	Messages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	// Logout and Destroy must be safe on an instance that already failed.
	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Factory builds a new driver instance for userID that reports into sink.
// instanceID is unique per build; anything the driver holds outside the
// process must be keyed by it so a late teardown cannot reach a newer
// instance of the same user.
type Factory func(userID, instanceID string, sink Sink) (Driver, error)
