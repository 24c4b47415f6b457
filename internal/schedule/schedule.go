// Package schedule runs cancellable delayed and periodic tasks.
//
// Every task returns a *Handle. Cancelling a handle stops future firings,
// and work that was started by the task (a network pull) checks
// Handle.Cancelled before applying its result, so a pull that resolves
// after the consumer moved on never writes into the new context.
package schedule

import (
	"sync"
	"time"
)

// Timer is a pending clock callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the timer
	// was stopped before it fired.
	Stop() bool
}

// Clock abstracts time so tests can drive timers deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is the wall clock.
type RealClock struct{}

// Now returns time.Now.
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Handle controls one scheduled task.
type Handle struct {
	mu        sync.Mutex
	cancelled bool
	timer     Timer
	closed    chan struct{}
}

func newHandle() *Handle {
	return &Handle{closed: make(chan struct{})}
}

// NewHandle returns a handle with no timer. It marks work that belongs to
// a context the consumer may abandon, such as the pull for a thread that
// is being opened.
func NewHandle() *Handle {
	return newHandle()
}

// Cancel stops the task. It is safe to call more than once and on a nil
// handle.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
	}
	close(h.closed)
}

// Cancelled reports whether Cancel was called. A nil handle is never
// cancelled.
func (h *Handle) Cancelled() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Done is closed when the handle is cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.closed
}

// arm installs the next timer unless the handle was cancelled meanwhile.
func (h *Handle) arm(clock Clock, d time.Duration, f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.timer = clock.AfterFunc(d, f)
}

// Scheduler creates tasks on a clock. Fired tasks are handed to post, which
// typically enqueues them on the engine's run loop; a nil post runs them on
// the clock's goroutine.
type Scheduler struct {
	clock Clock
	post  func(func()) bool
}

// New creates a Scheduler. A nil clock uses RealClock.
func New(clock Clock, post func(func()) bool) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{clock: clock, post: post}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn func(*Handle)) *Handle {
	h := newHandle()
	h.arm(s.clock, d, func() {
		s.fire(h, fn)
	})
	return h
}

// Every runs fn every d until the handle is cancelled. The first run is
// after d, not immediately.
func (s *Scheduler) Every(d time.Duration, fn func(*Handle)) *Handle {
	if d <= 0 {
		d = time.Second
	}
	h := newHandle()
	var tick func()
	tick = func() {
		if h.Cancelled() {
			return
		}
		s.fire(h, fn)
		h.arm(s.clock, d, tick)
	}
	h.arm(s.clock, d, tick)
	return h
}

func (s *Scheduler) fire(h *Handle, fn func(*Handle)) {
	if h.Cancelled() {
		return
	}
	run := func() {
		if h.Cancelled() {
			return
		}
		fn(h)
	}
	if s.post == nil {
		run()
		return
	}
	s.post(run)
}
