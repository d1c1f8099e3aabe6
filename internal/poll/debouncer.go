package poll

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid events into a single signal. Only the last
// event within the configured interval is delivered, on the channel returned
// by C. The debouncer never runs work itself, so the consumer decides which
// goroutine handles the signal.
type Debouncer struct {
	interval time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	lastPath string
	out      chan string
}

// NewDebouncer creates a debouncer that waits for interval of quiet before
// signalling the path of the last event.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		out:      make(chan string, 1),
	}
}

// C returns the channel on which debounced paths are delivered. At most one
// signal is buffered; a signal that arrives while one is pending is dropped.
func (d *Debouncer) C() <-chan string {
	return d.out
}

// Trigger records an event for the given path. If no further events arrive
// within the debounce interval, the path is delivered on C.
func (d *Debouncer) Trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastPath = path

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	p := d.lastPath
	d.mu.Unlock()

	select {
	case d.out <- p:
	default:
	}
}

// Stop cancels any pending debounced signal.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
