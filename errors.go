package apphost

import (
	"errors"
	"fmt"
	"time"
)

// ErrRoutingNotFound is returned by Registry.Resolve when no app is
// published for the requested routing key.
var ErrRoutingNotFound = errors.New("no app for routing key")

// ErrAppDestroyed is returned when an invocation races app destruction.
// Callers holding a valid lease never see it.
var ErrAppDestroyed = errors.New("app has been destroyed")

// HotReloadError aborts an entire reload. No generation is published when
// any app definition fails to compile or validate; the previously live set
// stays routable.
type HotReloadError struct {
	App string // name of the app definition that failed
	Err error
}

func (e *HotReloadError) Error() string {
	return fmt.Sprintf("hot reload rejected: app %q: %v", e.App, e.Err)
}

func (e *HotReloadError) Unwrap() error { return e.Err }

// WatchdogTimeout reports an invocation that exceeded its wall-clock budget
// and was forcibly aborted. The abort is not catchable by the script.
type WatchdogTimeout struct {
	App    string
	Budget time.Duration
}

func (e *WatchdogTimeout) Error() string {
	return fmt.Sprintf("app %q: invocation exceeded budget %v", e.App, e.Budget)
}

// MemoryLimitExceeded reports a host-side allocation that would push an
// app's cumulative tracked memory over its ceiling. Inside the script the
// same condition surfaces as a catchable error or rejection.
type MemoryLimitExceeded struct {
	App       string
	Requested int64
	Used      int64
	Limit     int64
}

func (e *MemoryLimitExceeded) Error() string {
	return fmt.Sprintf("app %q: allocation of %d bytes exceeds memory ceiling (%d of %d bytes used)",
		e.App, e.Requested, e.Used, e.Limit)
}

// ScriptError reports an uncaught exception (or a rejected handler promise)
// from a script. The host recovers by returning a failure response.
type ScriptError struct {
	App     string
	Message string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("app %q: uncaught script error: %s", e.App, e.Message)
}

// FetchError reports a transport-level failure of a script-issued fetch:
// DNS, connect, timeout. Non-2xx responses are not fetch errors. Scripts
// observe it as a catchable rejection; the host sees it only in logs.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
