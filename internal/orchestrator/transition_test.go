package orchestrator

import (
	"strings"
	"testing"
	"time"

	"wa-session-server/internal/hub"
	"wa-session-server/internal/model"
)

func kinds(effects []Effect) map[EffectKind]int {
	out := make(map[EffectKind]int)
	for _, e := range effects {
		out[e.Kind]++
	}
	return out
}

func TestApply_Table(t *testing.T) {
	cases := []struct {
		name string
		from model.Status
		ev   EventKind
		want model.Status
		noop bool
	}{
		{"connect from disconnected", model.StatusDisconnected, EvConnect, model.StatusLaunching, false},
		{"connect while launching", model.StatusLaunching, EvConnect, model.StatusLaunching, true},
		{"qr while launching", model.StatusLaunching, EvQR, model.StatusQRPending, false},
		{"qr rotation", model.StatusQRPending, EvQR, model.StatusQRPending, false},
		{"qr when ready", model.StatusReady, EvQR, model.StatusReady, true},
		{"authenticated from qr", model.StatusQRPending, EvAuthenticated, model.StatusAuthenticated, false},
		{"authenticated when ready", model.StatusReady, EvAuthenticated, model.StatusReady, true},
		{"ready from authenticated", model.StatusAuthenticated, EvReady, model.StatusReady, false},
		{"ready from launching", model.StatusLaunching, EvReady, model.StatusReady, false},
		{"message when ready", model.StatusReady, EvMessage, model.StatusReady, false},
		{"message when pairing", model.StatusQRPending, EvMessage, model.StatusQRPending, true},
		{"watchdog while launching", model.StatusLaunching, EvWatchdogFired, model.StatusDisconnected, false},
		{"watchdog after qr", model.StatusQRPending, EvWatchdogFired, model.StatusQRPending, true},
		{"watchdog after ready", model.StatusReady, EvWatchdogFired, model.StatusReady, true},
		{"auth failure", model.StatusQRPending, EvAuthFailure, model.StatusDisconnected, false},
		{"driver disconnect", model.StatusReady, EvDriverDisconnected, model.StatusDisconnected, false},
		{"init failed", model.StatusLaunching, EvInitializeFailed, model.StatusDisconnected, false},
		{"disconnect when ready", model.StatusReady, EvDisconnect, model.StatusDisconnected, false},
		{"disconnect when disconnected", model.StatusDisconnected, EvDisconnect, model.StatusDisconnected, true},
		{"driver disconnect when disconnected", model.StatusDisconnected, EvDriverDisconnected, model.StatusDisconnected, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, effects := Apply(tc.from, Event{Kind: tc.ev, QR: "q"})
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if tc.noop != (len(effects) == 0) {
				t.Fatalf("noop=%v but got %d effects", tc.noop, len(effects))
			}
		})
	}
}

func TestApply_WatchdogOnlyArmedOnConnect(t *testing.T) {
	_, effects := Apply(model.StatusDisconnected, Event{Kind: EvConnect})
	if kinds(effects)[EffArmWatchdog] != 1 {
		t.Fatalf("connect must arm the watchdog: %+v", effects)
	}
	for _, ev := range []EventKind{EvQR, EvAuthenticated, EvReady} {
		_, effects := Apply(model.StatusLaunching, Event{Kind: ev})
		if kinds(effects)[EffCancelWatchdog] != 1 {
			t.Fatalf("%s must cancel the watchdog", ev)
		}
	}
}

func TestApply_TerminalTearsDown(t *testing.T) {
	_, effects := Apply(model.StatusReady, Event{Kind: EvDriverDisconnected, Reason: "phone offline"})
	k := kinds(effects)
	if k[EffRemoveInstance] != 1 || k[EffDestroyDriver] != 1 || k[EffClearGuard] != 1 || k[EffLogoutDriver] != 0 {
		t.Fatalf("unexpected teardown effects: %+v", k)
	}
	var published []string
	for _, e := range effects {
		if e.Kind == EffPublish {
			published = append(published, e.Type)
		}
	}
	if len(published) != 1 || published[0] != hub.EventDisconnected {
		t.Fatalf("driver disconnect should publish only disconnected, got %v", published)
	}

	_, effects = Apply(model.StatusLaunching, Event{Kind: EvWatchdogFired})
	published = nil
	for _, e := range effects {
		if e.Kind == EffPublish {
			published = append(published, e.Type)
		}
		if e.Kind == EffLog && e.Type != LogInitializeTimeout {
			t.Fatalf("unexpected log type %s", e.Type)
		}
	}
	if len(published) != 2 || published[0] != hub.EventError || published[1] != hub.EventDisconnected {
		t.Fatalf("timeout should publish error then disconnected, got %v", published)
	}
}

func TestApply_UserDisconnectLogsOut(t *testing.T) {
	_, effects := Apply(model.StatusQRPending, Event{Kind: EvDisconnect})
	k := kinds(effects)
	if k[EffLogoutDriver] != 1 || k[EffDestroyDriver] != 0 {
		t.Fatalf("user disconnect should log out: %+v", k)
	}
	if effects[len(effects)-1].Kind != EffLogoutDriver {
		t.Fatalf("teardown must be the last effect")
	}
}

func TestApply_ReadyPersistsInfo(t *testing.T) {
	info := model.ReadyInfo{PhoneNumber: "41791234567", DisplayName: "Dr. X"}
	_, effects := Apply(model.StatusAuthenticated, Event{Kind: EvReady, Info: info})
	for _, e := range effects {
		if e.Kind == EffPersistReady {
			if e.Info != info {
				t.Fatalf("unexpected info: %+v", e.Info)
			}
			return
		}
	}
	t.Fatalf("ready did not persist info")
}

func TestWatchdog_CancelOrFireExactlyOnce(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := StartWatchdog(time.Hour, func() { fired <- struct{}{} })
	if !w.Armed() {
		t.Fatalf("expected armed")
	}
	if !w.Cancel() {
		t.Fatalf("first cancel should win")
	}
	if w.Cancel() {
		t.Fatalf("second cancel should report false")
	}

	w = StartWatchdog(time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("watchdog never fired")
	}
	if !w.Fired() || w.Cancel() {
		t.Fatalf("cancel after fire must fail")
	}

	var nilWatchdog *Watchdog
	if nilWatchdog.Cancel() || nilWatchdog.Armed() {
		t.Fatalf("nil watchdog should be inert")
	}
}

func TestApply_AuthFailureCarriesReason(t *testing.T) {
	for _, reason := range []string{"", "credentials revoked"} {
		_, effects := Apply(model.StatusQRPending, Event{Kind: EvAuthFailure, Reason: reason})
		var got string
		for _, e := range effects {
			if e.Kind == EffPublish && e.Type == hub.EventError {
				got, _ = e.Data.(map[string]any)["error"].(string)
			}
		}
		if !strings.HasPrefix(got, ErrAuthFailure.Error()) {
			t.Fatalf("error event %q does not start with %q", got, ErrAuthFailure)
		}
		if reason != "" && !strings.HasSuffix(got, reason) {
			t.Fatalf("error event %q lost the driver reason", got)
		}
	}
}
