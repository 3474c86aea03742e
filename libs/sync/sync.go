package sync

import "sync"

// Closer implements a primitive to close a channel that signals process
// termination while allowing a caller to call Close multiple times safely.
type Closer struct {
	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewCloser returns a new Closer.
func NewCloser() *Closer {
	return &Closer{doneCh: make(chan struct{})}
}

// Done returns the internal done channel allowing the caller to either block
// or wait for the Closer to be terminated/closed.
func (c *Closer) Done() <-chan struct{} {
	return c.doneCh
}

// Close gracefully closes the Closer. A caller should only call Close once,
// but it is safe to call it successive times.
func (c *Closer) Close() {
	c.closeOnce.Do(func() {
		close(c.doneCh)
	})
}

// Waker is used to wake up a sleeper when some event occurs. It debounces
// multiple wakeup calls occurring between each sleep, and wakeups are
// non-blocking to avoid having to coordinate goroutines.
type Waker struct {
	wakeCh chan struct{}
}

// NewWaker creates a new Waker.
func NewWaker() *Waker {
	return &Waker{
		// buffer used for debouncing
		wakeCh: make(chan struct{}, 1),
	}
}

// Sleep returns a channel that blocks until Wake() is called.
func (w *Waker) Sleep() <-chan struct{} {
	return w.wakeCh
}

// Wake wakes up the sleeper.
func (w *Waker) Wake() {
	// A non-blocking send with a size 1 buffer ensures that we never block,
	// and that we queue up at most a single wakeup call between each Sleep().
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}
