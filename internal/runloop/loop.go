// Package runloop provides the engine's single logical thread. Every state
// transition runs as a task on one goroutine, so transitions never
// interleave. Blocking work (network pulls) runs elsewhere via Go and
// posts its result back as another task.
package runloop

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
)

// Loop is a FIFO task queue drained by one goroutine.
type Loop struct {
	mu      sync.Mutex
	idle    *sync.Cond
	tasks   []func()
	pending int // queued + running tasks + outstanding Go work
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	started bool
}

// New creates a Loop. Call Start or Run to begin draining it.
func New() *Loop {
	l := &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	l.idle = sync.NewCond(&l.mu)
	return l
}

// Start runs the loop on a new goroutine until ctx is done or Close is called.
func (l *Loop) Start(ctx context.Context) {
	go func() { _ = l.Run(ctx) }()
}

// Run drains tasks on the calling goroutine until ctx is done or Close is
// called. Remaining tasks are discarded.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()
	defer close(l.stopped)

	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.runTask(task)
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-l.wake:
			l.mu.Lock()
			closed := l.closed && len(l.tasks) == 0
			l.mu.Unlock()
			if closed {
				l.shutdown()
				return nil
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return task, true
}

func (l *Loop) runTask(task func()) {
	defer l.done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("runloop: task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	task()
}

func (l *Loop) done() {
	l.mu.Lock()
	l.pending--
	if l.pending == 0 {
		l.idle.Broadcast()
	}
	l.mu.Unlock()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.pending -= len(l.tasks)
	l.tasks = nil
	if l.pending <= 0 {
		l.pending = 0
		l.idle.Broadcast()
	}
	l.mu.Unlock()
}

// Post enqueues fn. It reports false when the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.pending++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Go runs work on its own goroutine and posts the function it returns (if
// any) back onto the loop. Wait accounts for work in flight.
func (l *Loop) Go(work func() func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending++
	l.mu.Unlock()

	go func() {
		defer l.done()
		var apply func()
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("runloop: async work panicked: %v\n%s", r, debug.Stack())
				}
			}()
			apply = work()
		}()
		if apply != nil {
			l.Post(apply)
		}
	}()
	return true
}

// Do posts fn and blocks until it has run. It must not be called from a
// task, which would deadlock.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.stopped:
		return false
	}
}

// Wait blocks until no task is queued or running and no Go work is
// outstanding. Tasks posted by a task are waited for as well.
func (l *Loop) Wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.pending > 0 && !l.closed {
		l.idle.Wait()
	}
}

// Close stops accepting tasks; Run returns once queued tasks are drained.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}
