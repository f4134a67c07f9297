package apphost

import (
	"sync/atomic"
	"time"
)

// watchdog enforces one invocation's wall-clock budget from outside the
// script's own thread. A synchronous runaway loop never yields, so the only
// way to stop it is the VM's cross-thread interrupt — the abort it produces
// is not catchable by the script.
type watchdog struct {
	timer    *time.Timer
	expired  atomic.Bool
	deadline time.Time
}

// armWatchdog starts a countdown that interrupts the runtime at deadline.
func armWatchdog(rt *jsRuntime, budget time.Duration) *watchdog {
	w := &watchdog{deadline: time.Now().Add(budget)}
	w.timer = time.AfterFunc(budget, func() {
		w.expired.Store(true)
		rt.interrupt()
	})
	return w
}

// disarm stops the countdown. Returns false if the watchdog already fired.
func (w *watchdog) disarm() bool {
	stopped := w.timer.Stop()
	return stopped && !w.expired.Load()
}

// fired reports whether the budget was exceeded.
func (w *watchdog) fired() bool { return w.expired.Load() }
