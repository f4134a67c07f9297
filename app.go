package apphost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// invocationState is the per-request scratch state. It exists only while
// Invoke holds runMu, so no locking is needed around it.
type invocationState struct {
	fetchCount     int
	pendingFetches []*pendingFetch
	logs           []LogEntry
	logsTruncated  bool
}

// App is one isolated script instance: its own VM, globals, environment,
// timer queue, and memory ceiling. Invocations are serialized; globals set
// by one request are visible to the next. An App never shares any JS state
// with other apps.
type App struct {
	name       string
	routingKey string
	generation uint64

	cfg   AppConfig
	env   map[string]string
	log   *zap.Logger
	clock clockwork.Clock

	// runMu serializes all VM access: invocations, rebuilds, destruction.
	runMu    sync.Mutex
	rt       *jsRuntime
	timers   *timerQueue
	ceiling  *memoryCeiling
	inv      *invocationState
	vmBroken bool

	// refs is the lease count. It starts at 1 (the registry's own
	// reference) and hits zero exactly once, after retire plus the last
	// lease release, which triggers destruction.
	refs      atomic.Int64
	retired   atomic.Bool
	destroyed atomic.Bool
}

// newApp compiles the script in a fresh VM and returns a ready app. The
// returned app holds one reference owned by the registry.
func newApp(cfg AppConfig, generation uint64, clock clockwork.Clock, log *zap.Logger) (*App, error) {
	cfg = cfg.withDefaults()

	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = v
	}

	a := &App{
		name:       cfg.Name,
		routingKey: cfg.RoutingKey,
		generation: generation,
		cfg:        cfg,
		env:        env,
		log:        log.With(zap.String("app", cfg.Name), zap.Uint64("generation", generation)),
		clock:      clock,
		timers:     newTimerQueue(clock),
		ceiling:    newMemoryCeiling(cfg.Name, cfg.MemoryLimitBytes),
	}

	if err := a.buildVM(); err != nil {
		return nil, err
	}
	a.refs.Store(1)
	return a, nil
}

// buildVM creates the runtime, installs all host bridges, and loads the
// script. Caller must hold runMu (or own the app exclusively).
func (a *App) buildVM() error {
	rt, err := newJSRuntime(a.cfg.MemoryLimitBytes)
	if err != nil {
		return fmt.Errorf("app %q: %w", a.name, err)
	}

	setup := func() error {
		if err := setupWebAPIs(rt); err != nil {
			return err
		}
		if err := setupEncoding(rt); err != nil {
			return err
		}
		if err := setupConsole(rt, a.addLog); err != nil {
			return err
		}
		if err := setupTimers(rt, a.timers); err != nil {
			return err
		}
		if err := setupFetch(rt, a); err != nil {
			return err
		}
		if err := buildEnvObject(rt, a.env); err != nil {
			return err
		}
		return loadHandler(rt, a.cfg.Script)
	}
	if err := setup(); err != nil {
		rt.close()
		return &ScriptError{App: a.name, Message: err.Error()}
	}

	a.rt = rt
	a.vmBroken = false
	return nil
}

// addLog is the console sink for this app's current invocation. Output
// produced outside an invocation (top-level script, boundary timers firing
// between requests) is dropped into the structured log instead.
func (a *App) addLog(level, message string) {
	if len(message) > maxLogMessageSize {
		message = message[:maxLogMessageSize] + "...(truncated)"
	}
	if a.inv == nil {
		a.log.Debug("console output outside invocation",
			zap.String("level", level), zap.String("message", message))
		return
	}
	if len(a.inv.logs) >= maxLogEntries {
		if !a.inv.logsTruncated {
			a.inv.logsTruncated = true
			a.log.Warn("console log limit reached, dropping further entries")
		}
		return
	}
	a.inv.logs = append(a.inv.logs, LogEntry{
		Level:   level,
		Message: message,
		Time:    a.clock.Now(),
	})
}

// Name returns the app's configured name.
func (a *App) Name() string { return a.name }

// RoutingKey returns the header value this app is published under.
func (a *App) RoutingKey() string { return a.routingKey }

// Generation returns the reload generation this app instance belongs to.
func (a *App) Generation() uint64 { return a.generation }

// MemoryUsed reports the bytes currently charged against the ceiling.
func (a *App) MemoryUsed() int64 { return a.ceiling.Used() }

// Invoke runs the app's fetch handler for one request. Invocations are
// serialized per app; ctx bounds only the wait for the run slot, not script
// execution, which is governed by the invocation budget.
func (a *App) Invoke(ctx context.Context, req *Request) *Result {
	start := a.clock.Now()
	result := &Result{}

	a.runMu.Lock()
	defer a.runMu.Unlock()

	if a.destroyed.Load() {
		result.Error = ErrAppDestroyed
		result.Duration = a.clock.Since(start)
		return result
	}
	if err := ctx.Err(); err != nil {
		result.Error = err
		result.Duration = a.clock.Since(start)
		return result
	}

	if a.vmBroken {
		a.log.Info("rebuilding VM after prior abort")
		a.rt.close()
		a.timers.drop()
		if err := a.buildVM(); err != nil {
			result.Error = err
			result.Duration = a.clock.Since(start)
			return result
		}
	}

	a.inv = &invocationState{}
	defer func() {
		result.Logs = a.inv.logs
		a.finishInvocation()
		a.inv = nil
		result.Duration = a.clock.Since(start)
	}()

	// Charge the inbound body against the ceiling for the invocation.
	bodyBytes := int64(len(req.Body))
	if err := a.ceiling.tryReserve(bodyBytes); err != nil {
		result.Error = err
		return result
	}
	defer a.ceiling.release(bodyBytes)

	// Fire timers that came due between invocations before the handler
	// sees the new request.
	a.pumpDueTimers()
	if a.vmBroken {
		result.Error = &WatchdogTimeout{App: a.name, Budget: a.cfg.InvocationBudget}
		return result
	}

	if err := goRequestToJS(a.rt, req); err != nil {
		result.Error = &ScriptError{App: a.name, Message: fmt.Sprintf("building request: %v", err)}
		return result
	}

	budget := a.cfg.InvocationBudget
	deadline := start.Add(budget)
	wd := armWatchdog(a.rt, budget)

	var panicked bool
	defer func() {
		stopped := wd.disarm()
		if r := recover(); r != nil {
			panicked = true
			if wd.fired() {
				result.Error = &WatchdogTimeout{App: a.name, Budget: budget}
			} else {
				result.Error = fmt.Errorf("app %q: runtime panic: %v", a.name, r)
			}
		}
		if !stopped || wd.fired() || panicked {
			a.probeVM()
		}
	}()

	err := a.rt.Eval(`
		globalThis.__call_result = (function() {
			var mod = globalThis.__app_module__;
			if (!mod || typeof mod.fetch !== 'function') {
				throw new Error('script does not export a fetch handler');
			}
			return mod.fetch(globalThis.__req, globalThis.__app_env);
		})();
	`)
	if err != nil {
		result.Error = a.classifyEvalError(err, wd, budget)
		return result
	}

	a.rt.RunMicrotasks()
	if a.timers.hasPending() || len(a.inv.pendingFetches) > 0 {
		a.drain(deadline)
	}

	if err := a.awaitValue("__call_result", deadline); err != nil {
		result.Error = a.classifyEvalError(err, wd, budget)
		return result
	}

	_ = a.rt.Eval("globalThis.__result = globalThis.__call_result; delete globalThis.__call_result;")

	resp, err := jsResponseToGo(a.rt)
	if err != nil {
		result.Error = &ScriptError{App: a.name, Message: err.Error()}
		return result
	}
	result.Response = resp

	// Late pump: timers that came due while the handler ran get one more
	// bounded chance before the response leaves.
	a.pumpDueTimers()
	return result
}

// classifyEvalError maps a raw VM error onto the host error taxonomy.
func (a *App) classifyEvalError(err error, wd *watchdog, budget time.Duration) error {
	if wd.fired() {
		return &WatchdogTimeout{App: a.name, Budget: budget}
	}
	msg := err.Error()
	if strings.Contains(msg, "out of memory") {
		return &MemoryLimitExceeded{
			App:   a.name,
			Used:  a.ceiling.Used(),
			Limit: a.cfg.MemoryLimitBytes,
		}
	}
	return &ScriptError{App: a.name, Message: msg}
}

// probeVM checks whether the runtime survived an abort. An interrupted VM
// sometimes keeps working; if the probe fails the next invocation rebuilds.
func (a *App) probeVM() {
	if _, err := a.rt.EvalInt("1+1"); err != nil {
		a.log.Warn("VM unresponsive after abort, scheduling rebuild")
		a.vmBroken = true
	}
}

// finishInvocation cancels in-flight fetches and returns any memory their
// results had reserved.
func (a *App) finishInvocation() {
	for _, pf := range a.inv.pendingFetches {
		pf.cancel()
		select {
		case r := <-pf.resultCh:
			a.ceiling.release(r.reserved)
		default:
			// The goroutine is still running; collect its reservation
			// when the buffered send lands.
			go func(pf *pendingFetch) {
				r := <-pf.resultCh
				a.ceiling.release(r.reserved)
			}(pf)
		}
	}
	a.inv.pendingFetches = nil
}

// fireTimer invokes a scheduled callback stored on the JS side.
func (a *App) fireTimer(id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	_ = a.rt.Eval(js)
}

// pumpDueTimers runs callbacks whose deadline has passed, each under its
// own watchdog so a runaway timer cannot stall the pump. Due-ness is
// evaluated against a fixed now: a callback that schedules a zero-delay
// timer does not extend the current pump.
func (a *App) pumpDueTimers() {
	now := a.clock.Now()
	for fires := 0; fires < maxPumpFires; fires++ {
		id, ok := a.timers.popDue(now)
		if !ok {
			return
		}
		wd := armWatchdog(a.rt, a.cfg.InvocationBudget)
		a.fireTimer(id)
		a.rt.RunMicrotasks()
		if !wd.disarm() || wd.fired() {
			a.log.Warn("timer callback exceeded budget, aborted", zap.Int("timer", id))
			a.timers.cancel(id)
			a.probeVM()
			return
		}
	}
}

// drainPendingFetches does non-blocking reads on all pending fetch channels
// and delivers completed results into the VM. Returns true if any fetch
// completed.
func (a *App) drainPendingFetches() bool {
	if len(a.inv.pendingFetches) == 0 {
		return false
	}
	pending := a.inv.pendingFetches
	a.inv.pendingFetches = nil

	var remaining []*pendingFetch
	didWork := false
	for _, pf := range pending {
		select {
		case result := <-pf.resultCh:
			if result.Err != nil {
				js := fmt.Sprintf(`globalThis.__fetchReject(%q, %q)`,
					pf.id, result.Err.Error())
				_ = a.rt.Eval(js)
			} else {
				js := fmt.Sprintf(`globalThis.__fetchResolve(%q, %d, %q, %q, %q, %v, %q)`,
					pf.id, result.Status, result.StatusText,
					result.HeadersJSON, result.BodyB64,
					result.Redirected, result.FinalURL)
				_ = a.rt.Eval(js)
				// The body now lives in the VM heap, which has its own
				// limit; stop double-counting it.
				a.ceiling.release(result.reserved)
			}
			a.rt.RunMicrotasks()
			didWork = true
		default:
			remaining = append(remaining, pf)
		}
	}

	// Callbacks may have started new fetches during resolution.
	a.inv.pendingFetches = append(remaining, a.inv.pendingFetches...)
	return didWork
}

// drain fires pending timers and resolves pending fetches until none remain
// or the invocation deadline is reached. Runs on the invocation goroutine;
// the VM is single-threaded.
func (a *App) drain(deadline time.Time) {
	for {
		if a.drainPendingFetches() {
			continue
		}

		hasTimers := a.timers.hasPending()
		hasFetches := len(a.inv.pendingFetches) > 0
		if !hasTimers && !hasFetches {
			return
		}

		next, ok := a.timers.nextDeadline()
		if !ok && hasFetches {
			// No timers, fetches in flight. Poll with a short sleep.
			if a.clock.Now().After(deadline) {
				return
			}
			a.clock.Sleep(1 * time.Millisecond)
			continue
		}
		if !ok {
			return
		}

		now := a.clock.Now()
		if next.After(now) {
			if next.After(deadline) {
				// The next timer is beyond the budget; only fetches can
				// still make progress.
				for a.clock.Now().Before(deadline) {
					if a.drainPendingFetches() {
						break
					}
					a.clock.Sleep(1 * time.Millisecond)
				}
				if a.clock.Now().After(deadline) {
					return
				}
				continue
			}
			if hasFetches {
				for a.clock.Now().Before(next) {
					a.drainPendingFetches()
					remaining := next.Sub(a.clock.Now())
					if remaining <= 0 {
						break
					}
					if remaining > 1*time.Millisecond {
						remaining = 1 * time.Millisecond
					}
					a.clock.Sleep(remaining)
				}
			} else {
				a.clock.Sleep(next.Sub(now))
			}
		}

		if a.clock.Now().After(deadline) {
			return
		}

		id, ok := a.timers.popDue(a.clock.Now())
		if !ok {
			continue
		}
		a.fireTimer(id)
		a.rt.RunMicrotasks()
	}
}

// awaitValue settles a promise stored in a global, pumping microtasks and
// the event loop until it resolves, rejects, or the deadline passes. The
// resolved value replaces the promise in the same global.
func (a *App) awaitValue(globalVar string, deadline time.Time) error {
	isPromise, err := a.rt.EvalBool(fmt.Sprintf("globalThis.%s instanceof Promise", globalVar))
	if err != nil || !isPromise {
		return nil
	}

	setupJS := fmt.Sprintf(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.%s).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, globalVar)
	if err := a.rt.Eval(setupJS); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		a.rt.RunMicrotasks()

		if a.timers.hasPending() || len(a.inv.pendingFetches) > 0 {
			shortDeadline := a.clock.Now().Add(10 * time.Millisecond)
			if shortDeadline.After(deadline) {
				shortDeadline = deadline
			}
			a.drain(shortDeadline)
			a.rt.RunMicrotasks()
		}

		stateStr, err := a.rt.EvalString("String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if stateStr != "undefined" {
			break
		}
		if a.clock.Now().After(deadline) {
			return fmt.Errorf("promise resolution timed out")
		}
	}

	stateStr, _ := a.rt.EvalString("String(globalThis.__awaited_state)")
	if stateStr == "rejected" {
		errMsg, _ := a.rt.EvalString("String(globalThis.__awaited_result)")
		_ = a.rt.Eval("delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
		return fmt.Errorf("promise rejected: %s", errMsg)
	}

	_ = a.rt.Eval(fmt.Sprintf(
		"globalThis.%s = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;",
		globalVar))
	return nil
}

// --- lease lifecycle ---

// tryAcquire takes a lease on the app. It fails only when the count has
// already reached zero, meaning destruction has begun; the caller must
// re-resolve against the current routing table.
func (a *App) tryAcquire() bool {
	for {
		n := a.refs.Load()
		if n <= 0 {
			return false
		}
		if a.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a lease. The holder that brings the count to zero runs
// destruction; with the registry reference counted in, that happens exactly
// once and never while an invocation is possible.
func (a *App) release() {
	if a.refs.Add(-1) == 0 {
		a.destroy()
	}
}

// retire drops the registry's own reference. Called once, after the app has
// been unpublished from the routing table.
func (a *App) retire() {
	if a.retired.CompareAndSwap(false, true) {
		a.release()
	}
}

func (a *App) destroy() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.destroyed.Swap(true) {
		return
	}
	a.timers.drop()
	a.rt.close()
	a.log.Info("app destroyed", zap.Int64("memory_used", a.ceiling.Used()))
}

// --- JS bridging helpers ---

// jsEscape escapes a string for safe embedding in JavaScript source.
func jsEscape(s string) string {
	return strconv.Quote(s)
}

// buildEnvObject publishes the app's frozen environment as
// globalThis.__app_env.
func buildEnvObject(rt *jsRuntime, env map[string]string) error {
	if err := rt.Eval("globalThis.__app_env = {};"); err != nil {
		return fmt.Errorf("creating env object: %w", err)
	}
	for k, v := range env {
		js := fmt.Sprintf("globalThis.__app_env[%s] = %s;", jsEscape(k), jsEscape(v))
		if err := rt.Eval(js); err != nil {
			return fmt.Errorf("setting env %q: %w", k, err)
		}
	}
	return rt.Eval("Object.freeze(globalThis.__app_env);")
}

// goRequestToJS materializes the inbound request as globalThis.__req.
func goRequestToJS(rt *jsRuntime, req *Request) error {
	lowerHeaders := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		lowerHeaders[strings.ToLower(k)] = v
	}
	headersJSON, _ := json.Marshal(lowerHeaders)

	if err := rt.SetGlobal("__tmp_url", req.URL); err != nil {
		return err
	}
	if err := rt.SetGlobal("__tmp_method", req.Method); err != nil {
		return err
	}
	if err := rt.SetGlobal("__tmp_headers_json", string(headersJSON)); err != nil {
		return err
	}

	var bodyScript string
	if len(req.Body) > 0 {
		if err := rt.SetGlobal("__tmp_body", string(req.Body)); err != nil {
			return err
		}
		bodyScript = "init.body = globalThis.__tmp_body;"
	}

	script := fmt.Sprintf(`(function() {
		var init = {
			method: globalThis.__tmp_method,
			headers: JSON.parse(globalThis.__tmp_headers_json),
		};
		%s
		globalThis.__req = new Request(globalThis.__tmp_url, init);
		delete globalThis.__tmp_url;
		delete globalThis.__tmp_method;
		delete globalThis.__tmp_headers_json;
		delete globalThis.__tmp_body;
	})()`, bodyScript)

	return rt.Eval(script)
}

// jsResponseToGo extracts a Response from the JS value in
// globalThis.__result.
func jsResponseToGo(rt *jsRuntime) (*Response, error) {
	resultJSON, err := rt.EvalString(`(function() {
		var r = globalThis.__result;
		delete globalThis.__result;
		if (r === null || r === undefined) return JSON.stringify({error: "null response"});
		if (typeof r !== 'object' || typeof r.status !== 'number') {
			return JSON.stringify({error: "handler returned " + (typeof r) + " instead of Response"});
		}
		var headers = {};
		if (r.headers && r.headers._map) {
			var m = r.headers._map;
			for (var k in m) {
				if (m.hasOwnProperty(k)) headers[k] = Array.isArray(m[k]) ? m[k].join(', ') : m[k];
			}
		}
		var body = '';
		var bodyType = 'string';
		if (r._body !== null && r._body !== undefined) {
			if (r._body instanceof ArrayBuffer || ArrayBuffer.isView(r._body)) {
				var src = (r._body instanceof ArrayBuffer)
					? new Uint8Array(r._body)
					: new Uint8Array(r._body.buffer, r._body.byteOffset, r._body.byteLength);
				body = __bufferSourceToB64(src);
				bodyType = 'base64';
			} else {
				body = String(r._body);
			}
		}
		return JSON.stringify({
			status: r.status || 200,
			headers: headers,
			body: body,
			bodyType: bodyType,
		});
	})()`)
	if err != nil {
		return nil, fmt.Errorf("extracting response: %w", err)
	}

	var resp struct {
		Status   int               `json:"status"`
		Headers  map[string]string `json:"headers"`
		Body     string            `json:"body"`
		BodyType string            `json:"bodyType"`
		Error    string            `json:"error"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &resp); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	var body []byte
	if resp.BodyType == "base64" {
		if resp.Body != "" {
			body, err = base64.StdEncoding.DecodeString(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("decoding base64 body: %w", err)
			}
		}
	} else if resp.Body != "" {
		body = []byte(resp.Body)
	}

	return &Response{
		StatusCode: resp.Status,
		Headers:    resp.Headers,
		Body:       body,
	}, nil
}
