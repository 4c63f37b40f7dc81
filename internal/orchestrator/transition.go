package orchestrator

import (
	"wa-session-server/internal/driver"
	"wa-session-server/internal/hub"
	"wa-session-server/internal/model"
)

type EventKind string

const (
	EvConnect            EventKind = "connect"
	EvQR                 EventKind = "qr"
	EvAuthenticated      EventKind = "authenticated"
	EvReady              EventKind = "ready"
	EvMessage            EventKind = "message"
	EvAuthFailure        EventKind = "auth_failure"
	EvDriverDisconnected EventKind = "driver_disconnected"
	EvWatchdogFired      EventKind = "watchdog_fired"
	EvInitializeFailed   EventKind = "initialize_failed"
	EvDisconnect         EventKind = "disconnect"
)

// Audit log event types.
const (
	LogInitializeStart   = "initialize_start"
	LogQRReceived        = "qr_received"
	LogAuthenticated     = "authenticated"
	LogReady             = "ready"
	LogDisconnected      = "disconnected"
	LogAuthFailure       = "auth_failure"
	LogInitializeTimeout = "initialize_timeout"
	LogInitializeError   = "initialize_error"
	LogDisconnect        = "disconnect"
	LogLogoutError       = "logout_error"
	LogSendMessage       = "send_message"
	LogSendError         = "send_error"
	LogStartupReset      = "startup_reset"
	LogSessionRestore    = "session_restore"
	LogStatusReconciled  = "status_reconciled"
)

type Event struct {
	Kind    EventKind
	QR      string
	Info    model.ReadyInfo
	Reason  string
	Message model.Message
}

func fromDriverEvent(ev driver.Event) (Event, bool) {
	switch ev.Kind {
	case driver.EventQR:
		return Event{Kind: EvQR, QR: ev.QR}, true
	case driver.EventAuthenticated:
		return Event{Kind: EvAuthenticated}, true
	case driver.EventReady:
		return Event{Kind: EvReady, Info: ev.Info}, true
	case driver.EventMessage:
		return Event{Kind: EvMessage, Message: ev.Message}, true
	case driver.EventAuthFailure:
		return Event{Kind: EvAuthFailure, Reason: ev.Reason}, true
	case driver.EventDisconnected:
		return Event{Kind: EvDriverDisconnected, Reason: ev.Reason}, true
	}
	return Event{}, false
}

type EffectKind int

const (
	EffArmWatchdog EffectKind = iota
	EffCancelWatchdog
	EffPersistStatus
	EffPersistQR
	EffClearQR
	EffPersistReady
	EffTouch
	EffClearGuard
	EffRemoveInstance
	EffDestroyDriver
	EffLogoutDriver
	EffLog
	EffPublish
)

// Effect is one side effect requested by Apply. Only the fields relevant to
// Kind are set.
type Effect struct {
	Kind   EffectKind
	Status model.Status
	QR     string
	Info   model.ReadyInfo
	Type   string
	Data   any
}

func logEffect(eventType string, data any) Effect {
	return Effect{Kind: EffLog, Type: eventType, Data: data}
}

func publishEffect(eventType string, data any) Effect {
	return Effect{Kind: EffPublish, Type: eventType, Data: data}
}

func statusData(status model.Status) map[string]any {
	return map[string]any{"status": status}
}

// Apply is the session state machine. It never performs I/O; the caller
// executes the returned effects in order. An unchanged state with no effects
// means the event is ignored in this state.
func Apply(from model.Status, ev Event) (model.Status, []Effect) {
	switch ev.Kind {
	case EvConnect:
		if from != model.StatusDisconnected {
			return from, nil
		}
		return model.StatusLaunching, []Effect{
			{Kind: EffArmWatchdog},
			{Kind: EffPersistStatus, Status: model.StatusLaunching},
			logEffect(LogInitializeStart, nil),
			publishEffect(hub.EventStatus, statusData(model.StatusLaunching)),
		}

	case EvQR:
		qrData := map[string]any{"status": model.StatusQRPending, "qrCode": ev.QR}
		switch from {
		case model.StatusLaunching:
			return model.StatusQRPending, []Effect{
				{Kind: EffCancelWatchdog},
				{Kind: EffPersistQR, QR: ev.QR},
				logEffect(LogQRReceived, map[string]any{"length": len(ev.QR)}),
				publishEffect(hub.EventQR, qrData),
			}
		case model.StatusQRPending:
			// pairing code rotated
			return model.StatusQRPending, []Effect{
				{Kind: EffPersistQR, QR: ev.QR},
				publishEffect(hub.EventQR, qrData),
			}
		}
		return from, nil

	case EvAuthenticated:
		if from != model.StatusLaunching && from != model.StatusQRPending {
			return from, nil
		}
		return model.StatusAuthenticated, []Effect{
			{Kind: EffCancelWatchdog},
			{Kind: EffClearQR},
			{Kind: EffPersistStatus, Status: model.StatusAuthenticated},
			logEffect(LogAuthenticated, nil),
			publishEffect(hub.EventStatus, statusData(model.StatusAuthenticated)),
		}

	case EvReady:
		switch from {
		case model.StatusLaunching, model.StatusQRPending, model.StatusAuthenticated:
		default:
			return from, nil
		}
		return model.StatusReady, []Effect{
			{Kind: EffCancelWatchdog},
			{Kind: EffPersistReady, Info: ev.Info},
			{Kind: EffClearGuard},
			logEffect(LogReady, ev.Info),
			publishEffect(hub.EventReady, map[string]any{
				"status":      model.StatusReady,
				"phoneNumber": ev.Info.PhoneNumber,
				"displayName": ev.Info.DisplayName,
			}),
		}

	case EvMessage:
		if from != model.StatusReady {
			return from, nil
		}
		return model.StatusReady, []Effect{
			{Kind: EffTouch},
			publishEffect(hub.EventMessage, ev.Message),
		}

	case EvDriverDisconnected:
		return terminal(from, LogDisconnected, ev.Reason, false)

	case EvAuthFailure:
		return terminal(from, LogAuthFailure, authFailureReason(ev.Reason), true)

	case EvWatchdogFired:
		// Only a session still launching can time out; anything that already
		// progressed cancelled the watchdog or lost the race to it.
		if from != model.StatusLaunching {
			return from, nil
		}
		return terminal(from, LogInitializeTimeout, ErrInitTimeout.Error(), true)

	case EvInitializeFailed:
		return terminal(from, LogInitializeError, ev.Reason, true)

	case EvDisconnect:
		if from == model.StatusDisconnected {
			return from, nil
		}
		return model.StatusDisconnected, []Effect{
			{Kind: EffCancelWatchdog},
			{Kind: EffRemoveInstance},
			{Kind: EffClearGuard},
			{Kind: EffPersistStatus, Status: model.StatusDisconnected},
			{Kind: EffClearQR},
			logEffect(LogDisconnect, map[string]any{"from": from, "reason": ev.Reason}),
			publishEffect(hub.EventStatus, statusData(model.StatusDisconnected)),
			{Kind: EffLogoutDriver},
		}
	}
	return from, nil
}

func authFailureReason(reason string) string {
	if reason == "" {
		return ErrAuthFailure.Error()
	}
	return ErrAuthFailure.Error() + ": " + reason
}

func terminal(from model.Status, logType, reason string, publishError bool) (model.Status, []Effect) {
	if from == model.StatusDisconnected {
		return from, nil
	}
	effects := []Effect{
		{Kind: EffCancelWatchdog},
		{Kind: EffRemoveInstance},
		{Kind: EffClearGuard},
		{Kind: EffPersistStatus, Status: model.StatusDisconnected},
		{Kind: EffClearQR},
		logEffect(logType, map[string]any{"from": from, "reason": reason}),
	}
	if publishError {
		effects = append(effects, publishEffect(hub.EventError, map[string]any{"code": logType, "error": reason}))
	}
	effects = append(effects,
		publishEffect(hub.EventDisconnected, map[string]any{"status": model.StatusDisconnected, "reason": reason}),
		Effect{Kind: EffDestroyDriver},
	)
	return model.StatusDisconnected, effects
}
