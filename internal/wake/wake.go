// Package wake provides a minimal, non-blocking wake signal: the Go
// equivalent of a condition variable's Signal when the waiter only ever
// needs "something changed, re-check" rather than a value.
package wake

// Waker lets one or more producers nudge a single consumer without
// blocking. Signal is safe to call from any number of goroutines; C
// delivers at most one pending signal per receive, coalescing bursts the
// same way a condition variable Broadcast does for a single waiter.
type Waker struct {
	ch chan struct{}
}

// New returns a ready-to-use Waker.
func New() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Signal wakes the consumer. Non-blocking: if a signal is already pending,
// this is a no-op.
func (w *Waker) Signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel the consumer selects on.
func (w *Waker) C() <-chan struct{} {
	return w.ch
}
