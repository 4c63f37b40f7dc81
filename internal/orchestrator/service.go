// Package orchestrator owns the per-user messaging sessions: one driver
// instance per user, the connection state machine, the initialization
// watchdog and the reconciliation between live and persisted state.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"wa-session-server/internal/driver"
	"wa-session-server/internal/hub"
	"wa-session-server/internal/model"
	"wa-session-server/internal/store"
)

const (
	DefaultWatchdogTimeout = 90 * time.Second
	DefaultTeardownTimeout = 15 * time.Second

	storeTimeout = 10 * time.Second
)

// Publisher fans session events out to subscribers. Publish must not block.
type Publisher interface {
	Publish(userID, eventType string, data any)
}

type Options struct {
	Store     store.Store
	Publisher Publisher
	NewDriver driver.Factory

	WatchdogTimeout time.Duration
	TeardownTimeout time.Duration
	// AutoRestore reconnects sessions that were authenticated or ready when
	// the process last stopped.
	AutoRestore bool

	Meter metric.Meter
	Now   func() time.Time
}

type instance struct {
	id        string
	userID    string
	drv       driver.Driver
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	// guarded by Service.mu
	state    model.Status
	watchdog *Watchdog

	// guarded by the user lock
	qr   string
	info model.ReadyInfo
}

type Service struct {
	store           store.Store
	pub             Publisher
	newDriver       driver.Factory
	watchdogTimeout time.Duration
	teardownTimeout time.Duration
	autoRestore     bool
	now             func() time.Time
	metrics         *metrics

	mu           sync.Mutex
	instances    map[string]*instance
	initializing map[string]struct{}
	userLocks    map[string]*sync.Mutex
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.NewDriver == nil {
		return nil, errors.New("orchestrator: driver factory is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:           opts.Store,
		pub:             opts.Publisher,
		newDriver:       opts.NewDriver,
		watchdogTimeout: opts.WatchdogTimeout,
		teardownTimeout: opts.TeardownTimeout,
		autoRestore:     opts.AutoRestore,
		now:             opts.Now,
		metrics:         newMetrics(opts.Meter),
		instances:       make(map[string]*instance),
		initializing:    make(map[string]struct{}),
		userLocks:       make(map[string]*sync.Mutex),
	}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}

// lockUser serialises every state change of one user.
func (s *Service) lockUser(userID string) func() {
	s.mu.Lock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) current(userID string) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[userID]
}

func (s *Service) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// Connect starts a driver for userID unless one is already initializing or
// connected. Initialization continues in the background; progress is
// reported through the publisher.
func (s *Service) Connect(ctx context.Context, userID string) (ConnectResult, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	unlock := s.lockUser(userID)

	s.mu.Lock()
	if _, busy := s.initializing[userID]; busy {
		s.mu.Unlock()
		unlock()
		return ResultAlreadyInitializing, nil
	}
	if inst := s.instances[userID]; inst != nil {
		state := inst.state
		s.mu.Unlock()
		unlock()
		if state == model.StatusReady {
			return ResultAlreadyConnected, nil
		}
		return ResultAlreadyInitializing, nil
	}
	s.initializing[userID] = struct{}{}
	s.mu.Unlock()

	if err := s.store.EnsureSession(ctx, userID); err != nil {
		log.Printf("orchestrator: %s: ensure session: %v", userID, err)
	}

	instCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		id:        uuid.NewString(),
		userID:    userID,
		createdAt: s.now(),
		ctx:       instCtx,
		cancel:    cancel,
		state:     model.StatusDisconnected,
	}
	drv, err := s.newDriver(userID, inst.id, func(ev driver.Event) { s.onDriverEvent(inst, ev) })
	if err != nil {
		cancel()
		s.mu.Lock()
		delete(s.initializing, userID)
		s.mu.Unlock()
		unlock()

		s.metrics.driverError("create")
		s.appendLog(ctx, userID, LogInitializeError, map[string]any{"reason": err.Error()})
		s.pub.Publish(userID, hub.EventError, map[string]any{"code": LogInitializeError, "error": err.Error()})
		return "", &DriverError{Op: "create", Err: err}
	}
	inst.drv = drv

	s.mu.Lock()
	s.instances[userID] = inst
	s.mu.Unlock()
	s.metrics.instanceDelta(1)

	teardown := s.applyLocked(inst, Event{Kind: EvConnect})
	unlock()
	s.runAsync(teardown)

	log.Printf("orchestrator: %s: initializing instance %s", userID, inst.id)
	go s.initialize(inst)
	return ResultInitializationStarted, nil
}

func (s *Service) initialize(inst *instance) {
	err := inst.drv.Initialize(inst.ctx)
	if err == nil || inst.ctx.Err() != nil {
		return
	}
	log.Printf("orchestrator: %s: initialize: %v", inst.userID, err)
	s.metrics.driverError("initialize")
	s.dispatch(inst, Event{Kind: EvInitializeFailed, Reason: err.Error()})
}

func (s *Service) onDriverEvent(inst *instance, ev driver.Event) {
	e, ok := fromDriverEvent(ev)
	if !ok {
		return
	}
	s.dispatch(inst, e)
}

// dispatch applies ev to inst if inst is still the user's live instance.
// Events from a replaced or torn down instance are dropped.
func (s *Service) dispatch(inst *instance, ev Event) {
	unlock := s.lockUser(inst.userID)
	if s.current(inst.userID) != inst {
		unlock()
		log.Printf("orchestrator: %s: dropping %s from stale instance %s", inst.userID, ev.Kind, inst.id)
		return
	}
	teardown := s.applyLocked(inst, ev)
	unlock()
	s.runAsync(teardown)
}

// applyLocked runs the state machine for inst and executes its effects.
// The caller holds the user lock. Driver teardown is returned rather than
// run so that it happens outside the lock.
func (s *Service) applyLocked(inst *instance, ev Event) func() {
	s.mu.Lock()
	from := inst.state
	s.mu.Unlock()

	to, effects := Apply(from, ev)
	if len(effects) == 0 {
		return nil
	}

	s.mu.Lock()
	inst.state = to
	s.mu.Unlock()
	if to != from {
		s.metrics.transition(from, to, ev.Kind)
		log.Printf("orchestrator: %s: %s -> %s (%s)", inst.userID, from, to, ev.Kind)
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	userID := inst.userID
	var teardown func()
	for _, eff := range effects {
		switch eff.Kind {
		case EffArmWatchdog:
			w := StartWatchdog(s.watchdogTimeout, func() {
				s.dispatch(inst, Event{Kind: EvWatchdogFired})
			})
			s.mu.Lock()
			inst.watchdog = w
			s.mu.Unlock()
		case EffCancelWatchdog:
			s.mu.Lock()
			w := inst.watchdog
			s.mu.Unlock()
			w.Cancel()
		case EffPersistStatus:
			s.storeErr(userID, "update status", s.store.UpdateStatus(ctx, userID, eff.Status))
		case EffPersistQR:
			inst.qr = eff.QR
			s.storeErr(userID, "set qr", s.store.SetQRCode(ctx, userID, eff.QR))
		case EffClearQR:
			inst.qr = ""
			s.storeErr(userID, "clear qr", s.store.ClearQRCode(ctx, userID))
		case EffPersistReady:
			inst.info = eff.Info
			inst.qr = ""
			now := s.now().UnixMilli()
			s.storeErr(userID, "persist ready", s.store.UpsertSession(ctx, userID, model.SessionUpdate{
				Status:       model.StatusPtr(model.StatusReady),
				PhoneNumber:  model.StringPtr(eff.Info.PhoneNumber),
				DisplayName:  model.StringPtr(eff.Info.DisplayName),
				QRCode:       model.StringPtr(""),
				ConnectedAt:  model.Int64Ptr(now),
				LastActivity: model.Int64Ptr(now),
			}))
		case EffTouch:
			s.storeErr(userID, "touch", s.store.Touch(ctx, userID))
		case EffClearGuard:
			s.mu.Lock()
			delete(s.initializing, userID)
			s.mu.Unlock()
		case EffRemoveInstance:
			s.mu.Lock()
			removed := s.instances[userID] == inst
			if removed {
				delete(s.instances, userID)
			}
			s.mu.Unlock()
			inst.cancel()
			if removed {
				s.metrics.instanceDelta(-1)
			}
		case EffDestroyDriver:
			teardown = func() { s.destroy(inst) }
		case EffLogoutDriver:
			teardown = func() { s.logoutAndDestroy(inst) }
		case EffLog:
			s.appendLog(ctx, userID, eff.Type, eff.Data)
		case EffPublish:
			s.pub.Publish(userID, eff.Type, eff.Data)
		}
	}
	return teardown
}

func (s *Service) runAsync(fn func()) {
	if fn != nil {
		go fn()
	}
}

func (s *Service) destroy(inst *instance) {
	ctx, cancel := context.WithTimeout(context.Background(), s.teardownTimeout)
	defer cancel()
	if err := inst.drv.Destroy(ctx); err != nil {
		s.metrics.driverError("destroy")
		log.Printf("orchestrator: %s: destroy instance %s: %v", inst.userID, inst.id, err)
	}
}

func (s *Service) logoutAndDestroy(inst *instance) {
	ctx, cancel := context.WithTimeout(context.Background(), s.teardownTimeout)
	err := inst.drv.Logout(ctx)
	cancel()
	if err != nil {
		s.metrics.driverError("logout")
		log.Printf("orchestrator: %s: logout instance %s: %v", inst.userID, inst.id, err)
		lctx, lcancel := s.storeCtx()
		s.appendLog(lctx, inst.userID, LogLogoutError, map[string]any{"reason": err.Error()})
		lcancel()
	}
	s.destroy(inst)
}

func (s *Service) storeErr(userID, op string, err error) {
	if err != nil {
		log.Printf("orchestrator: %s: %s: %v", userID, op, err)
	}
}

func (s *Service) appendLog(ctx context.Context, userID, eventType string, data any) {
	if err := s.store.AppendLog(ctx, userID, eventType, data); err != nil {
		log.Printf("orchestrator: %s: append %s log: %v", userID, eventType, err)
	}
}

// Disconnect logs the user's driver out and tears it down. Disconnecting a
// user without a live instance succeeds without doing anything.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUser
	}
	unlock := s.lockUser(userID)
	inst := s.current(userID)
	if inst == nil {
		unlock()
		return nil
	}
	teardown := s.applyLocked(inst, Event{Kind: EvDisconnect, Reason: "user requested"})
	unlock()
	if teardown != nil {
		teardown()
	}
	return nil
}

type StatusView struct {
	UserID         string       `json:"userId"`
	Status         model.Status `json:"status"`
	PhoneNumber    string       `json:"phoneNumber,omitempty"`
	DisplayName    string       `json:"displayName,omitempty"`
	QRCode         string       `json:"qrCode,omitempty"`
	ConnectedAt    int64        `json:"connectedAt,omitempty"`
	LastActivity   int64        `json:"lastActivity,omitempty"`
	IsReady        bool         `json:"isReady"`
	HasInstance    bool         `json:"hasInstance"`
	IsInitializing bool         `json:"isInitializing"`
	DriverState    string       `json:"driverState,omitempty"`
}

// Status reports the user's session, preferring live state over the stored
// row and repairing the row when the two disagree.
func (s *Service) Status(ctx context.Context, userID string) (StatusView, error) {
	if userID == "" {
		return StatusView{}, ErrMissingUser
	}
	unlock := s.lockUser(userID)
	defer unlock()

	if err := s.store.EnsureSession(ctx, userID); err != nil {
		log.Printf("orchestrator: %s: ensure session: %v", userID, err)
	}
	sess, err := s.store.GetSession(ctx, userID)
	storeOK := err == nil
	if err != nil {
		log.Printf("orchestrator: %s: get session: %v", userID, err)
		sess = model.UserSession{UserID: userID, Status: model.StatusDisconnected}
	}

	s.mu.Lock()
	inst := s.instances[userID]
	_, initializing := s.initializing[userID]
	var live model.Status
	if inst != nil {
		live = inst.state
	}
	s.mu.Unlock()

	view := StatusView{
		UserID:         userID,
		Status:         sess.Status,
		PhoneNumber:    sess.PhoneNumber,
		DisplayName:    sess.DisplayName,
		QRCode:         sess.QRCode,
		ConnectedAt:    sess.ConnectedAt,
		LastActivity:   sess.LastActivity,
		IsInitializing: initializing,
	}

	switch {
	case inst != nil:
		view.HasInstance = true
		view.DriverState = inst.drv.State()
		if sess.Status != live {
			view.Status = live
			if storeOK {
				s.reconcile(ctx, userID, sess.Status, live, inst.qr)
			}
		}
		if live == model.StatusQRPending && view.QRCode == "" {
			view.QRCode = inst.qr
		}
		if live == model.StatusReady {
			if view.PhoneNumber == "" {
				view.PhoneNumber = inst.info.PhoneNumber
			}
			if view.DisplayName == "" {
				view.DisplayName = inst.info.DisplayName
			}
		}
	case initializing:
		if view.Status == model.StatusDisconnected {
			view.Status = model.StatusLaunching
		}
	case sess.Status != model.StatusDisconnected && storeOK:
		// no live instance can back this row
		view.Status = model.StatusDisconnected
		s.reconcile(ctx, userID, sess.Status, model.StatusDisconnected, "")
	}

	if view.Status != model.StatusQRPending {
		view.QRCode = ""
	}
	view.IsReady = view.Status == model.StatusReady
	return view, nil
}

func (s *Service) reconcile(ctx context.Context, userID string, stored, live model.Status, qr string) {
	upd := model.SessionUpdate{Status: model.StatusPtr(live)}
	if live == model.StatusQRPending && qr != "" {
		upd.QRCode = model.StringPtr(qr)
	} else if live != model.StatusQRPending {
		upd.QRCode = model.StringPtr("")
	}
	if err := s.store.UpsertSession(ctx, userID, upd); err != nil {
		log.Printf("orchestrator: %s: reconcile status: %v", userID, err)
		return
	}
	s.appendLog(ctx, userID, LogStatusReconciled, map[string]any{"from": stored, "to": live})
}

func (s *Service) readyDriver(userID string) (driver.Driver, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instances[userID]
	if inst == nil || inst.state != model.StatusReady {
		return nil, ErrNotConnected
	}
	return inst.drv, nil
}

func (s *Service) SendMessage(ctx context.Context, userID, chatID, text string) (model.Message, error) {
	drv, err := s.readyDriver(userID)
	if err != nil {
		return model.Message{}, err
	}
	msg, err := drv.SendMessage(ctx, chatID, text)
	if err != nil {
		s.metrics.driverError("send")
		s.appendLog(ctx, userID, LogSendError, map[string]any{"chatId": chatID, "reason": err.Error()})
		return model.Message{}, &DriverError{Op: "send", Err: err}
	}
	s.appendLog(ctx, userID, LogSendMessage, map[string]any{"chatId": chatID, "length": len(text)})
	s.storeErr(userID, "touch", s.store.Touch(ctx, userID))
	return msg, nil
}

func (s *Service) Chats(ctx context.Context, userID string) ([]model.Chat, error) {
	drv, err := s.readyDriver(userID)
	if err != nil {
		return nil, err
	}
	chats, err := drv.Chats(ctx)
	if err != nil {
		s.metrics.driverError("chats")
		return nil, &DriverError{Op: "chats", Err: err}
	}
	if chats == nil {
		chats = []model.Chat{}
	}
	return chats, nil
}

func (s *Service) Messages(ctx context.Context, userID, chatID string, limit int) ([]model.Message, error) {
	drv, err := s.readyDriver(userID)
	if err != nil {
		return nil, err
	}
	msgs, err := drv.Messages(ctx, chatID, limit)
	if err != nil {
		s.metrics.driverError("messages")
		return nil, &DriverError{Op: "messages", Err: err}
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// ChatIDForPhone turns a phone number in any punctuation into a chat id.
func ChatIDForPhone(phone string) (string, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 5 || len(digits) > 15 {
		return "", ErrInvalidPhone
	}
	return digits + "@c.us", nil
}

type ChatLookup struct {
	ChatID string      `json:"chatId"`
	Found  bool        `json:"found"`
	Chat   *model.Chat `json:"chat,omitempty"`
}

func (s *Service) ChatByPhone(ctx context.Context, userID, phone string) (ChatLookup, error) {
	chatID, err := ChatIDForPhone(phone)
	if err != nil {
		return ChatLookup{}, err
	}
	chats, err := s.Chats(ctx, userID)
	if err != nil {
		return ChatLookup{}, err
	}
	for i := range chats {
		if chats[i].ID == chatID {
			return ChatLookup{ChatID: chatID, Found: true, Chat: &chats[i]}, nil
		}
	}
	return ChatLookup{ChatID: chatID}, nil
}

func (s *Service) Logs(ctx context.Context, userID string, limit int) ([]model.SessionLogEntry, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return s.store.GetRecentLogs(ctx, userID, limit)
}

type ActiveSession struct {
	model.UserSession
	HasInstance bool         `json:"hasInstance"`
	LiveStatus  model.Status `json:"liveStatus,omitempty"`
}

// ActiveSessions lists stored active sessions plus any live instance whose
// row is not (yet) active.
func (s *Service) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	rows, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	live := make(map[string]model.Status, len(s.instances))
	for id, inst := range s.instances {
		live[id] = inst.state
	}
	s.mu.Unlock()

	out := make([]ActiveSession, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		st, ok := live[row.UserID]
		out = append(out, ActiveSession{UserSession: row, HasInstance: ok, LiveStatus: st})
		seen[row.UserID] = true
	}
	var extra []string
	for id := range live {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil {
			sess = model.UserSession{UserID: id, Status: live[id]}
		}
		out = append(out, ActiveSession{UserSession: sess, HasInstance: true, LiveStatus: live[id]})
	}
	return out, nil
}

type InstanceDiagnostics struct {
	UserID        string       `json:"userId"`
	InstanceID    string       `json:"instanceId"`
	Status        model.Status `json:"status"`
	DriverState   string       `json:"driverState"`
	CreatedAt     int64        `json:"createdAt"`
	WatchdogArmed bool         `json:"watchdogArmed"`
}

type Diagnostics struct {
	Instances       []InstanceDiagnostics `json:"instances"`
	Initializing    []string              `json:"initializing"`
	WatchdogTimeout int64                 `json:"watchdogTimeoutMs"`
}

func (s *Service) Diagnostics() Diagnostics {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	diag := Diagnostics{
		Instances:       make([]InstanceDiagnostics, 0, len(insts)),
		Initializing:    make([]string, 0, len(s.initializing)),
		WatchdogTimeout: s.watchdogTimeout.Milliseconds(),
	}
	for id := range s.initializing {
		diag.Initializing = append(diag.Initializing, id)
	}
	for _, inst := range insts {
		diag.Instances = append(diag.Instances, InstanceDiagnostics{
			UserID:        inst.userID,
			InstanceID:    inst.id,
			Status:        inst.state,
			CreatedAt:     inst.createdAt.UnixMilli(),
			WatchdogArmed: inst.watchdog.Armed(),
		})
	}
	s.mu.Unlock()

	for i, inst := range insts {
		diag.Instances[i].DriverState = inst.drv.State()
	}
	sort.Slice(diag.Instances, func(i, j int) bool { return diag.Instances[i].UserID < diag.Instances[j].UserID })
	sort.Strings(diag.Initializing)
	return diag
}

// Restore is run once at startup. Rows left mid-pairing are reset; rows that
// were authenticated or ready are reconnected when AutoRestore is set.
func (s *Service) Restore(ctx context.Context) (int, error) {
	rows, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, row := range rows {
		resume := s.autoRestore && (row.Status == model.StatusReady || row.Status == model.StatusAuthenticated)
		if !resume {
			s.resetRow(ctx, row)
			continue
		}
		if err := s.store.UpdateStatus(ctx, row.UserID, model.StatusDisconnected); err != nil {
			log.Printf("orchestrator: %s: restore: %v", row.UserID, err)
			continue
		}
		s.appendLog(ctx, row.UserID, LogSessionRestore, map[string]any{"from": row.Status})
		if _, err := s.Connect(ctx, row.UserID); err != nil {
			log.Printf("orchestrator: %s: restore connect: %v", row.UserID, err)
			continue
		}
		restored++
	}
	log.Printf("orchestrator: restored %d of %d active sessions", restored, len(rows))
	return restored, nil
}

func (s *Service) resetRow(ctx context.Context, row model.UserSession) {
	err := s.store.UpsertSession(ctx, row.UserID, model.SessionUpdate{
		Status: model.StatusPtr(model.StatusDisconnected),
		QRCode: model.StringPtr(""),
	})
	if err != nil {
		log.Printf("orchestrator: %s: startup reset: %v", row.UserID, err)
		return
	}
	s.appendLog(ctx, row.UserID, LogStartupReset, map[string]any{"from": row.Status})
}

// Shutdown destroys every live instance without logging it out, so that
// the pairing survives a restart. Stored rows are left as they are.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.instances))
	for id, inst := range s.instances {
		insts = append(insts, inst)
		inst.watchdog.Cancel()
		delete(s.instances, id)
		delete(s.initializing, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			inst.cancel()
			dctx, cancel := context.WithTimeout(ctx, s.teardownTimeout)
			defer cancel()
			if err := inst.drv.Destroy(dctx); err != nil {
				log.Printf("orchestrator: %s: shutdown destroy: %v", inst.userID, err)
			}
			s.metrics.instanceDelta(-1)
		}(inst)
	}
	wg.Wait()
	log.Printf("orchestrator: shut down %d instances", len(insts))
}
