// Package poll drives the record loop: it captures the watched file once
// per interval until the context is cancelled or the process receives
// SIGINT/SIGTERM. In notify mode, filesystem events on the watched file are
// debounced and trigger an extra capture between ticks. Every capture runs
// on the loop goroutine.
package poll
