// Package signal provides the coalescing wake-up primitive the proof
// managers suspend on.
package signal

// Notifier is a single-slot, coalescing notification. Notify never blocks;
// any number of raises between consumptions collapse into one pending
// wake-up, and a raise with no waiter is kept until the next receive.
// This is at-least-one-wakeup semantics, not a queue.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier creates a notifier with no pending wake-up.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify raises the signal. Raising an already-raised signal is a no-op.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wake returns the channel a consumer selects on. Receiving consumes the
// pending wake-up.
func (n *Notifier) Wake() <-chan struct{} {
	return n.ch
}
