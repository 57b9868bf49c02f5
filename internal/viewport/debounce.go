package viewport

import (
	"sync"
	"time"
)

// Debouncer delays a callback until triggers have been quiet for a fixed
// delay, then fires once with the most recent value.
type Debouncer struct {
	delay time.Duration
	fn    func(float64)

	mu     sync.Mutex
	timer  *time.Timer
	latest float64
	gen    uint64
}

// NewDebouncer creates a debouncer that calls fn on its own goroutine.
func NewDebouncer(delay time.Duration, fn func(float64)) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger records v and restarts the quiet period.
func (d *Debouncer) Trigger(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.latest = v
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}

	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Pending reports whether a fire is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop drops any scheduled fire.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// A timer that fired while being replaced or stopped is stale.
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	v := d.latest
	d.timer = nil
	d.mu.Unlock()

	d.fn(v)
}
