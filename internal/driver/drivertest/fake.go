// Package drivertest provides a scriptable in-memory driver for tests.
package drivertest

import (
	"context"
	"errors"
	"sync"

	"wa-session-server/internal/driver"
	"wa-session-server/internal/model"
)

type Fake struct {
	UserID     string
	InstanceID string

	mu         sync.Mutex
	sink       driver.Sink
	state      string
	initErr    error
	block      chan struct{}
	chats      []model.Chat
	messages   map[string][]model.Message
	sent       []model.Message
	sendErr    error
	logoutErr  error
	destroyErr error
	hangClose  chan struct{}

	initCalls    int
	logoutCalls  int
	destroyCalls int
}

func (f *Fake) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.initCalls++
	f.state = driver.StateOpening
	block := f.block
	err := f.initErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return driver.StateUnknown
	}
	return f.state
}

func (f *Fake) SendMessage(_ context.Context, chatID, text string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	msg := model.Message{ID: "sent-" + chatID, ChatID: chatID, To: chatID, Body: text, FromMe: true}
	f.sent = append(f.sent, msg)
	return msg, nil
}

func (f *Fake) Chats(context.Context) ([]model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Chat(nil), f.chats...), nil
}

func (f *Fake) Messages(_ context.Context, chatID string, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message(nil), msgs...), nil
}

func (f *Fake) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.logoutCalls++
	hang := f.hangClose
	err := f.logoutErr
	f.mu.Unlock()

	if hang != nil {
		select {
		case <-hang:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	f.state = driver.StateDisconnected
	return f.destroyErr
}

// Emit delivers ev to the orchestrator as the real driver would.
func (f *Fake) Emit(ev driver.Event) {
	f.mu.Lock()
	switch ev.Kind {
	case driver.EventQR:
		f.state = driver.StatePairing
	case driver.EventReady:
		f.state = driver.StateConnected
	case driver.EventDisconnected, driver.EventAuthFailure:
		f.state = driver.StateDisconnected
	}
	sink := f.sink
	f.mu.Unlock()
	sink(ev)
}

// Release unblocks an Initialize started while the factory had BlockInitialize set.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

func (f *Fake) SetChats(chats []model.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = chats
}

func (f *Fake) SetMessages(chatID string, msgs []model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][]model.Message)
	}
	f.messages[chatID] = msgs
}

func (f *Fake) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *Fake) Sent() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.sent...)
}

func (f *Fake) InitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

func (f *Fake) LogoutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalls
}

func (f *Fake) DestroyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyCalls
}

// Factory hands out Fakes and remembers them per user.
type Factory struct {
	mu sync.Mutex

	// InitError is returned by Initialize of every new Fake.
	InitError error
	// BlockInitialize makes Initialize wait for Release (or ctx cancellation).
	BlockInitialize bool
	// HangLogout makes Logout wait until ctx is cancelled.
	HangLogout bool
	// LogoutError is returned by Logout of every new Fake.
	LogoutError error
	// CreateError makes New fail.
	CreateError error

	created map[string][]*Fake
}

func NewFactory() *Factory {
	return &Factory{created: make(map[string][]*Fake)}
}

var ErrCreate = errors.New("drivertest: create failed")

func (fa *Factory) New(userID, instanceID string, sink driver.Sink) (driver.Driver, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.CreateError != nil {
		return nil, fa.CreateError
	}
	f := &Fake{UserID: userID, InstanceID: instanceID, sink: sink, initErr: fa.InitError, logoutErr: fa.LogoutError}
	if fa.BlockInitialize {
		f.block = make(chan struct{})
	}
	if fa.HangLogout {
		f.hangClose = make(chan struct{})
	}
	fa.created[userID] = append(fa.created[userID], f)
	return f, nil
}

// Last returns the most recent Fake created for userID, or nil.
func (fa *Factory) Last(userID string) *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	list := fa.created[userID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Created returns how many Fakes were built for userID.
func (fa *Factory) Created(userID string) int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.created[userID])
}
