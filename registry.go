package apphost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Registry owns the live set of apps and maps routing keys to them. The
// routing table is an immutable map behind an atomic pointer: Resolve never
// blocks on Reload, and Reload publishes a complete new generation in one
// swap. Retired apps drain naturally: they stay alive until the last lease
// taken against the old table is released.
type Registry struct {
	log   *zap.Logger
	clock clockwork.Clock

	// mu serializes Reload and Close. Resolve is lock-free.
	mu     sync.Mutex
	closed bool

	table      atomic.Pointer[map[string]*App]
	generation atomic.Uint64
}

// Lease is a borrowed reference to an app. The app cannot be destroyed
// while any lease on it is outstanding, even if a reload retires it.
type Lease struct {
	app      *App
	released atomic.Bool
}

// App returns the leased app.
func (l *Lease) App() *App { return l.app }

// Release returns the lease. Idempotent.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.app.release()
	}
}

// NewRegistry creates an empty registry. Call Reload to publish apps.
func NewRegistry(log *zap.Logger, clock clockwork.Clock) *Registry {
	r := &Registry{log: log, clock: clock}
	empty := map[string]*App{}
	r.table.Store(&empty)
	return r
}

// Reload builds a complete new generation of apps from cfgs and atomically
// replaces the routing table. All-or-nothing: if any definition fails to
// compile or validate, nothing is published and the live set is untouched.
// Apps from the previous generation are retired; in-flight invocations on
// them finish against their old script and environment.
func (r *Registry) Reload(cfgs []AppConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("registry is closed")
	}

	gen := r.generation.Add(1)

	newTable := make(map[string]*App, len(cfgs))
	built := make([]*App, 0, len(cfgs))
	abort := func(name string, err error) error {
		for _, a := range built {
			a.retire()
		}
		r.log.Warn("hot reload rejected",
			zap.Uint64("generation", gen), zap.String("app", name), zap.Error(err))
		return &HotReloadError{App: name, Err: err}
	}

	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return abort("(unnamed)", fmt.Errorf("app name must not be empty"))
		}
		if cfg.RoutingKey == "" {
			return abort(cfg.Name, fmt.Errorf("routing key must not be empty"))
		}
		if _, dup := newTable[cfg.RoutingKey]; dup {
			return abort(cfg.Name, fmt.Errorf("duplicate routing key %q", cfg.RoutingKey))
		}
		app, err := newApp(cfg, gen, r.clock, r.log)
		if err != nil {
			return abort(cfg.Name, err)
		}
		newTable[cfg.RoutingKey] = app
		built = append(built, app)
	}

	old := r.table.Swap(&newTable)
	for _, a := range *old {
		a.retire()
	}

	r.log.Info("published new app generation",
		zap.Uint64("generation", gen), zap.Int("apps", len(newTable)))
	return nil
}

// Resolve takes a lease on the app published under key. A lease taken just
// as a reload swaps the table may land on an already-draining app whose
// count hit zero; in that case the new table is consulted instead, so the
// caller always gets either a live app or ErrRoutingNotFound.
func (r *Registry) Resolve(key string) (*Lease, error) {
	for {
		table := r.table.Load()
		app, ok := (*table)[key]
		if !ok {
			return nil, ErrRoutingNotFound
		}
		if app.tryAcquire() {
			return &Lease{app: app}, nil
		}
		// The app drained under us mid-swap. The table pointer has
		// necessarily changed, so re-resolving makes progress.
	}
}

// Dispatch resolves key, runs the request on the leased app, and releases
// the lease. This is the one call sites need for the common path.
func (r *Registry) Dispatch(ctx context.Context, key string, req *Request) (*Result, error) {
	lease, err := r.Resolve(key)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.App().Invoke(ctx, req), nil
}

// Apps returns a snapshot of the currently published apps.
func (r *Registry) Apps() []*App {
	table := r.table.Load()
	apps := make([]*App, 0, len(*table))
	for _, a := range *table {
		apps = append(apps, a)
	}
	return apps
}

// Generation returns the currently published generation number.
func (r *Registry) Generation() uint64 { return r.generation.Load() }

// Close unpublishes everything and retires all apps. Outstanding leases
// still finish; new Resolve calls see an empty table.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	empty := map[string]*App{}
	old := r.table.Swap(&empty)
	for _, a := range *old {
		a.retire()
	}
	r.log.Info("registry closed", zap.Int("retired", len(*old)))
}
