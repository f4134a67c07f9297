package apphost

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// minIntervalDelay is the smallest interval period accepted; shorter
// intervals are clamped so a zero-delay interval cannot spin the pump.
const minIntervalDelay = 10 * time.Millisecond

// maxPumpFires caps the total callback firings of a single pump so an
// interval that reschedules itself cannot starve the request path.
const maxPumpFires = 64

// timerEntry is one scheduled callback. The callback itself lives JS-side
// in globalThis.__timerCallbacks[id]; Go tracks scheduling metadata only.
type timerEntry struct {
	id       int
	delay    time.Duration
	nextFire time.Time
	interval bool
	active   bool
}

// timerQueue is the per-app ordered set of scheduled callbacks. It is owned
// exclusively by one app; the mutex exists because fetch goroutines and the
// watchdog share the app's clock edge, and registration happens from the
// serialized JS thread while hasPending may be read elsewhere.
type timerQueue struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	timers map[int]*timerEntry
	nextID int
}

func newTimerQueue(clock clockwork.Clock) *timerQueue {
	return &timerQueue{
		clock:  clock,
		timers: make(map[int]*timerEntry),
	}
}

// register schedules a callback and returns its app-scoped id. Ids increase
// monotonically for the lifetime of the queue.
func (q *timerQueue) register(delay time.Duration, interval bool) int {
	if delay < 0 {
		delay = 0
	}
	if interval && delay < minIntervalDelay {
		delay = minIntervalDelay
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	q.timers[id] = &timerEntry{
		id:       id,
		delay:    delay,
		nextFire: q.clock.Now().Add(delay),
		interval: interval,
		active:   true,
	}
	return id
}

// cancel deactivates a timer. Unknown or already-fired ids are a no-op.
func (q *timerQueue) cancel(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[id]; ok {
		t.active = false
		delete(q.timers, id)
	}
}

// popDue removes and returns the id of the earliest timer due at now, ties
// broken by ascending id. One-shot timers are dropped; interval timers are
// rescheduled fixed-delay from their last scheduled fire time, with missed
// ticks skipped past now so overdue intervals never burst.
func (q *timerQueue) popDue(now time.Time) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *timerEntry
	for _, t := range q.timers {
		if !t.active || t.nextFire.After(now) {
			continue
		}
		if next == nil || t.nextFire.Before(next.nextFire) ||
			(t.nextFire.Equal(next.nextFire) && t.id < next.id) {
			next = t
		}
	}
	if next == nil {
		return 0, false
	}

	if next.interval {
		next.nextFire = next.nextFire.Add(next.delay)
		for !next.nextFire.After(now) {
			next.nextFire = next.nextFire.Add(next.delay)
		}
	} else {
		delete(q.timers, next.id)
	}
	return next.id, true
}

// nextDeadline reports the earliest pending fire time.
func (q *timerQueue) nextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for _, t := range q.timers {
		if !t.active {
			continue
		}
		if !found || t.nextFire.Before(earliest) {
			earliest = t.nextFire
			found = true
		}
	}
	return earliest, found
}

func (q *timerQueue) hasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers) > 0
}

// drop discards all pending timers. Called on app destruction.
func (q *timerQueue) drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers = make(map[int]*timerEntry)
}
