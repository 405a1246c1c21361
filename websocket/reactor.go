package websocket

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reactor is the timer facility the engine consumes to schedule delayed
// work (handshake timeouts, auto-ping, paced queued writes) without
// blocking. It is treated as an external collaborator per spec.md §1/§6 —
// the engine's job is the protocol state machine, not a general-purpose
// event loop — but a connection-scoped default implementation is provided
// here so the engine is usable without wiring an external one.
type Reactor interface {
	// CallLater schedules fn to run after d. A d of 0 still defers to the
	// next scheduling opportunity rather than running fn synchronously,
	// matching original_source's reactor()->callLater(0, ...) use for the
	// first queued-write slot.
	CallLater(d time.Duration, fn func()) Timer

	// Post enqueues fn to run on the serialized callback goroutine as
	// soon as it's free, preserving the caller's submission order. Used
	// by the connection's read loop to hand received bytes to the engine
	// without racing CallLater(0, ...)'s independent timer goroutines
	// against each other.
	Post(fn func())
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Cancel prevents a not-yet-fired callback from running. Canceling an
	// already-fired or already-canceled timer is a no-op.
	Cancel()
}

// serialReactor is the default Reactor. All of its callbacks — regardless
// of which goroutine's time.AfterFunc fired — are funneled through a
// single dispatch goroutine, so they are serialized with each other and
// with calls the owner makes into run(). This is what gives the engine
// its "single-threaded cooperative, no internal locks" execution model
// (spec.md §5) despite Go's timers each firing on their own goroutine.
type serialReactor struct {
	jobs   chan func()
	done   chan struct{}
	closed sync.Once
}

func newSerialReactor() *serialReactor {
	return &serialReactor{
		jobs: make(chan func(), 64),
		done: make(chan struct{}),
	}
}

// run drains scheduled callbacks on the calling goroutine until stop is
// called. newConn dedicates a goroutine to it, separate from the read
// loop, which hands received bytes over via Post.
func (r *serialReactor) run() {
	for {
		select {
		case fn := <-r.jobs:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *serialReactor) stop() {
	r.closed.Do(func() { close(r.done) })
}

// Post enqueues fn directly, without going through a timer goroutine, so
// sequential calls from one goroutine (the connection's read loop) are
// delivered to run() in the order they were posted.
func (r *serialReactor) Post(fn func()) {
	select {
	case r.jobs <- fn:
	case <-r.done:
	}
}

type serialTimer struct {
	t        *time.Timer
	canceled atomic.Bool
}

func (r *serialReactor) CallLater(d time.Duration, fn func()) Timer {
	timer := &serialTimer{}
	post := func() {
		select {
		case r.jobs <- func() {
			if !timer.canceled.Load() {
				fn()
			}
		}:
		case <-r.done:
		}
	}
	timer.t = time.AfterFunc(d, post)
	return timer
}

func (t *serialTimer) Cancel() {
	t.canceled.Store(true)
	t.t.Stop()
}
