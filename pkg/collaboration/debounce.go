package collaboration

import (
	"sync"
	"time"

	"github.com/developer-mesh/collabcore/pkg/models"
)

const defaultDebounceWindow = 500 * time.Millisecond

// DebounceKey identifies one per-field timer
type DebounceKey struct {
	Doc    models.DocumentRef
	Target models.FieldTarget
}

type debounceEntry struct {
	timer *time.Timer
	gen   uint64
	fn    func()
}

// Debouncer is a timer table keyed by (document, field, row). Trigger
// cancels and restarts the key's timer; the callback fires once per quiet
// period, on its own goroutine.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	entries map[DebounceKey]*debounceEntry
	gen     uint64
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &Debouncer{
		window:  window,
		entries: make(map[DebounceKey]*debounceEntry),
	}
}

// Trigger schedules fn for key, replacing any callback still waiting
func (d *Debouncer) Trigger(key DebounceKey, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if e, ok := d.entries[key]; ok {
		e.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.entries[key] = &debounceEntry{
		gen: gen,
		fn:  fn,
		timer: time.AfterFunc(d.window, func() {
			d.fire(key, gen)
		}),
	}
}

func (d *Debouncer) fire(key DebounceKey, gen uint64) {
	d.mu.Lock()
	e, ok := d.entries[key]
	// a Stop that lost the race against the runtime leaves an old generation behind
	if !ok || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.entries, key)
	d.mu.Unlock()

	e.fn()
}

// Cancel drops the callback waiting on key. It reports whether one was waiting.
func (d *Debouncer) Cancel(key DebounceKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(d.entries, key)
	return true
}

// Flush runs the callback waiting on key immediately, on the caller's goroutine
func (d *Debouncer) Flush(key DebounceKey) bool {
	d.mu.Lock()
	e, ok := d.entries[key]
	if ok {
		e.timer.Stop()
		delete(d.entries, key)
	}
	d.mu.Unlock()

	if ok {
		e.fn()
	}
	return ok
}

// FlushAll runs every waiting callback immediately
func (d *Debouncer) FlushAll() int {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.entries))
	for key, e := range d.entries {
		e.timer.Stop()
		fns = append(fns, e.fn)
		delete(d.entries, key)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Pending reports whether a callback is waiting on key
func (d *Debouncer) Pending(key DebounceKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[key]
	return ok
}

// Stop cancels everything and refuses new triggers
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, key)
	}
}
