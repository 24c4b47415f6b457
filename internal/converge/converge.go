// Package converge re-synchronizes local state from authoritative pulls
// when push delivery cannot be trusted: after the push channel reconnects,
// while a chat message is streaming, and shortly after a watched job ends.
//
// Every timer is a schedule.Handle keyed by what it watches. Replacing or
// cancelling a key cancels its handle, and pull callbacks receive the
// handle so they can drop results that resolve after cancellation.
package converge

import (
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/logging"
	"github.com/Iron-Ham/pathwatch/internal/push"
	"github.com/Iron-Ham/pathwatch/internal/schedule"
)

// Options configures a Coordinator.
type Options struct {
	Scheduler           *schedule.Scheduler
	StreamPollInterval  time.Duration
	TerminalDebounce    time.Duration
	ReconnectInvalidate bool
	Logger              *logging.Logger
}

// Coordinator owns the convergence triggers.
type Coordinator struct {
	sched               *schedule.Scheduler
	pollInterval        time.Duration
	debounce            time.Duration
	reconnectInvalidate bool
	logger              *logging.Logger
	edge                push.EdgeDetector

	mu        sync.Mutex
	mounts    map[string]func()
	streams   map[string]*schedule.Handle
	terminals map[string]*schedule.Handle
	closed    bool
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.New(nil, nil)
	}
	if opts.StreamPollInterval <= 0 {
		opts.StreamPollInterval = 2 * time.Second
	}
	if opts.TerminalDebounce < 0 {
		opts.TerminalDebounce = 0
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Coordinator{
		sched:               opts.Scheduler,
		pollInterval:        opts.StreamPollInterval,
		debounce:            opts.TerminalDebounce,
		reconnectInvalidate: opts.ReconnectInvalidate,
		logger:              opts.Logger.WithComponent("converge"),
		mounts:              make(map[string]func()),
		streams:             make(map[string]*schedule.Handle),
		terminals:           make(map[string]*schedule.Handle),
	}
}

// Mount registers a feature's invalidation callback, run on every
// reconnect. Mounting a name again replaces its callback. The returned
// function unmounts it and cancels every timer keyed by name.
func (c *Coordinator) Mount(name string, invalidate func()) (unmount func()) {
	c.mu.Lock()
	c.mounts[name] = invalidate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.mounts, name)
			c.mu.Unlock()
			c.Cancel(name)
		})
	}
}

// Mounted returns the mounted feature names in order.
func (c *Coordinator) Mounted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.mounts))
	for n := range c.mounts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Connectivity records a connectivity observation. On a reconnect edge it
// invalidates every mounted feature once and reports true.
func (c *Coordinator) Connectivity(connected bool) bool {
	if !c.edge.Observe(connected) {
		return false
	}
	if !c.reconnectInvalidate {
		c.logger.Debug("reconnect invalidation disabled")
		return false
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.mounts))
	for n := range c.mounts {
		names = append(names, n)
	}
	sort.Strings(names)
	fns := make([]func(), 0, len(names))
	for _, n := range names {
		fns = append(fns, c.mounts[n])
	}
	c.mu.Unlock()

	c.logger.Info("push reconnected, invalidating mounted features", "features", names)
	for _, fn := range fns {
		fn()
	}
	return true
}

// Stream keeps a poll running under key while streaming is true, and stops
// it once streaming is false. pull runs every poll interval.
func (c *Coordinator) Stream(key string, streaming bool, pull func(*schedule.Handle)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, running := c.streams[key]
	switch {
	case streaming && !running && !c.closed:
		c.logger.Debug("stream poll started", "key", key, "interval", c.pollInterval.String())
		c.streams[key] = c.sched.Every(c.pollInterval, pull)
	case !streaming && running:
		c.logger.Debug("stream poll stopped", "key", key)
		h.Cancel()
		delete(c.streams, key)
	}
}

// Streaming reports whether a stream poll runs under key.
func (c *Coordinator) Streaming(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[key]
	return ok
}

// Terminal schedules pull once after the terminal debounce under key,
// replacing any pending terminal pull for the same key.
func (c *Coordinator) Terminal(key string, pull func(*schedule.Handle)) *schedule.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if prev, ok := c.terminals[key]; ok {
		prev.Cancel()
	}
	h := c.sched.After(c.debounce, func(fired *schedule.Handle) {
		c.mu.Lock()
		if c.terminals[key] == fired {
			delete(c.terminals, key)
		}
		c.mu.Unlock()
		pull(fired)
	})
	c.terminals[key] = h
	return h
}

// Cancel stops every timer under key.
func (c *Coordinator) Cancel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.streams[key]; ok {
		h.Cancel()
		delete(c.streams, key)
	}
	if h, ok := c.terminals[key]; ok {
		h.Cancel()
		delete(c.terminals, key)
	}
}

// Pending returns the number of live timers.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams) + len(c.terminals)
}

// Close cancels every timer and refuses new ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for k, h := range c.streams {
		h.Cancel()
		delete(c.streams, k)
	}
	for k, h := range c.terminals {
		h.Cancel()
		delete(c.terminals, k)
	}
	c.mounts = make(map[string]func())
}
