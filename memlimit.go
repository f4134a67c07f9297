package apphost

import "sync/atomic"

// memoryCeiling tracks cumulative host-side allocation attributable to one
// app: fetched response bodies, injected request bodies. Script-heap
// allocations are bounded separately by the VM's own memory limit; both
// limits share the configured ceiling value. The counter persists across
// invocations and dies with the app.
type memoryCeiling struct {
	app   string
	limit int64
	used  atomic.Int64
}

func newMemoryCeiling(app string, limit int64) *memoryCeiling {
	return &memoryCeiling{app: app, limit: limit}
}

// tryReserve charges n bytes against the ceiling. On failure the counter is
// left reflecting only previously granted reservations.
func (m *memoryCeiling) tryReserve(n int64) error {
	if n < 0 {
		return nil
	}
	for {
		used := m.used.Load()
		if used+n > m.limit {
			return &MemoryLimitExceeded{
				App:       m.app,
				Requested: n,
				Used:      used,
				Limit:     m.limit,
			}
		}
		if m.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

// release returns n previously reserved bytes, for data that never reached
// the script (e.g. a fetch body dropped after a transport error).
func (m *memoryCeiling) release(n int64) {
	if n <= 0 {
		return
	}
	for {
		used := m.used.Load()
		next := used - n
		if next < 0 {
			next = 0
		}
		if m.used.CompareAndSwap(used, next) {
			return
		}
	}
}

// Used reports the bytes currently charged.
func (m *memoryCeiling) Used() int64 { return m.used.Load() }

// Limit reports the configured ceiling.
func (m *memoryCeiling) Limit() int64 { return m.limit }
