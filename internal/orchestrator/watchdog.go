package orchestrator

import (
	"sync/atomic"
	"time"
)

const (
	watchdogArmed int32 = iota
	watchdogCancelled
	watchdogFired
)

// Watchdog is a single-shot timer that resolves exactly once: either Cancel
// wins or the timer fires, never both.
type Watchdog struct {
	state atomic.Int32
	timer *time.Timer
}

func StartWatchdog(d time.Duration, onFire func()) *Watchdog {
	w := &Watchdog{}
	w.timer = time.AfterFunc(d, func() {
		if w.state.CompareAndSwap(watchdogArmed, watchdogFired) {
			onFire()
		}
	})
	return w
}

// Cancel reports whether this call disarmed the watchdog.
func (w *Watchdog) Cancel() bool {
	if w == nil || !w.state.CompareAndSwap(watchdogArmed, watchdogCancelled) {
		return false
	}
	w.timer.Stop()
	return true
}

func (w *Watchdog) Armed() bool { return w != nil && w.state.Load() == watchdogArmed }

func (w *Watchdog) Fired() bool { return w != nil && w.state.Load() == watchdogFired }
