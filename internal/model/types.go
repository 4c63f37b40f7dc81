package model

import "encoding/json"

type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusLaunching     Status = "launching"
	StatusQRPending     Status = "qr_pending"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDisconnected, StatusLaunching, StatusQRPending, StatusAuthenticated, StatusReady:
		return true
	}
	return false
}

// Active reports whether a durable row in this status counts as a live session
// for admin listings.
func (s Status) Active() bool {
	return s == StatusReady || s == StatusAuthenticated || s == StatusQRPending
}

// UserSession is the durable per-user row. Timestamps are unix milliseconds,
// zero when unset.
type UserSession struct {
	UserID       string `json:"userId"`
	PhoneNumber  string `json:"phoneNumber,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	Status       Status `json:"status"`
	QRCode       string `json:"qrCode,omitempty"`
	ConnectedAt  int64  `json:"connectedAt,omitempty"`
	LastActivity int64  `json:"lastActivity,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// SessionUpdate carries the fields to merge into a UserSession. Nil fields are
// left untouched; a non-nil empty string clears the column.
type SessionUpdate struct {
	Status       *Status
	PhoneNumber  *string
	DisplayName  *string
	QRCode       *string
	ConnectedAt  *int64
	LastActivity *int64
}

type SessionLogEntry struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"userId"`
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type ReadyInfo struct {
	PhoneNumber string `json:"phoneNumber"`
	DisplayName string `json:"displayName"`
	Platform    string `json:"platform,omitempty"`
}

type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"isGroup"`
	UnreadCount int    `json:"unreadCount"`
	Timestamp   int64  `json:"timestamp"`
}

type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	FromMe    bool   `json:"fromMe"`
	Timestamp int64  `json:"timestamp"`
}

func StringPtr(s string) *string { return &s }

func Int64Ptr(v int64) *int64 { return &v }

func StatusPtr(s Status) *Status { return &s }
