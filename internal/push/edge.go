package push

import "sync"

// EdgeDetector turns a stream of connectivity observations into reconnect
// triggers. It starts disconnected, matching a Client that has not dialed
// yet, so the first true observation fires like any other false to true
// transition.
type EdgeDetector struct {
	mu        sync.Mutex
	connected bool
}

// Observe records connected and reports whether it is a reconnect edge.
func (e *EdgeDetector) Observe(connected bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rising := !e.connected && connected
	e.connected = connected
	return rising
}
