package converge

import (
	"testing"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/schedule"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newCoordinator(t *testing.T) (*Coordinator, *schedule.ManualClock) {
	t.Helper()
	clock := schedule.NewManualClock(epoch)
	c := New(Options{
		Scheduler:           schedule.New(clock, nil),
		StreamPollInterval:  2 * time.Second,
		TerminalDebounce:    750 * time.Millisecond,
		ReconnectInvalidate: true,
	})
	return c, clock
}

func TestConnectivity_ExactlyOneInvalidationPerReconnect(t *testing.T) {
	tests := []struct {
		name  string
		flips []bool
		want  int
	}{
		{"first connect", []bool{true}, 1},
		{"true false true", []bool{true, false, true}, 2},
		{"disconnect does not trigger", []bool{false, false}, 0},
		{"duplicate true", []bool{false, true, true}, 1},
		{"two reconnects after first connect", []bool{true, false, true, false, true}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCoordinator(t)
			paths, chat := 0, 0
			c.Mount("paths", func() { paths++ })
			c.Mount("chat", func() { chat++ })

			for _, f := range tt.flips {
				c.Connectivity(f)
			}
			if paths != tt.want || chat != tt.want {
				t.Errorf("invalidations paths=%d chat=%d, want %d each", paths, chat, tt.want)
			}
		})
	}
}

func TestConnectivity_Disabled(t *testing.T) {
	c := New(Options{ReconnectInvalidate: false})
	n := 0
	c.Mount("paths", func() { n++ })
	c.Connectivity(true)
	c.Connectivity(false)
	if c.Connectivity(true) {
		t.Error("Connectivity reported a trigger while disabled")
	}
	if n != 0 {
		t.Errorf("invalidations = %d, want 0", n)
	}
}

func TestMount_Unmount(t *testing.T) {
	c, clock := newCoordinator(t)
	n := 0
	unmount := c.Mount("chat", func() { n++ })
	polls := 0
	c.Stream("chat", true, func(*schedule.Handle) { polls++ })

	unmount()
	unmount()

	c.Connectivity(true)
	c.Connectivity(false)
	c.Connectivity(true)
	clock.Advance(10 * time.Second)

	if n != 0 {
		t.Errorf("unmounted feature invalidated %d times", n)
	}
	if polls != 0 {
		t.Errorf("unmount left the stream poll running: %d polls", polls)
	}
	if len(c.Mounted()) != 0 {
		t.Errorf("Mounted() = %v", c.Mounted())
	}
}

func TestStream_PollsWhileStreaming(t *testing.T) {
	c, clock := newCoordinator(t)
	polls := 0
	pull := func(*schedule.Handle) { polls++ }

	c.Stream("chat", true, pull)
	c.Stream("chat", true, pull)
	clock.Advance(6 * time.Second)
	if polls != 3 {
		t.Fatalf("polls = %d, want 3", polls)
	}
	if !c.Streaming("chat") {
		t.Error("Streaming() = false while polling")
	}

	c.Stream("chat", false, pull)
	clock.Advance(10 * time.Second)
	if polls != 3 {
		t.Errorf("polls after stop = %d, want 3", polls)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestTerminal_DebounceAndReplace(t *testing.T) {
	c, clock := newCoordinator(t)
	var fired []string

	c.Terminal("activity", func(*schedule.Handle) { fired = append(fired, "first") })
	clock.Advance(500 * time.Millisecond)
	c.Terminal("activity", func(*schedule.Handle) { fired = append(fired, "second") })
	clock.Advance(500 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("fired before debounce elapsed: %v", fired)
	}
	clock.Advance(250 * time.Millisecond)
	if len(fired) != 1 || fired[0] != "second" {
		t.Errorf("fired = %v, want [second]", fired)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after firing", c.Pending())
	}
}

func TestCancel_MarksHandleForLateResults(t *testing.T) {
	c, clock := newCoordinator(t)
	var captured *schedule.Handle
	c.Terminal("activity", func(h *schedule.Handle) { captured = h })
	clock.Advance(time.Second)
	if captured == nil {
		t.Fatal("terminal pull did not run")
	}

	// A pull in flight sees cancellation once the watched job changes.
	h := c.Terminal("activity", func(*schedule.Handle) {})
	c.Cancel("activity")
	if !h.Cancelled() {
		t.Error("Cancel did not cancel the pending handle")
	}
	clock.Advance(time.Second)
}

func TestClose(t *testing.T) {
	c, clock := newCoordinator(t)
	polls := 0
	c.Stream("chat", true, func(*schedule.Handle) { polls++ })
	c.Close()
	clock.Advance(10 * time.Second)
	if polls != 0 {
		t.Errorf("polls after Close = %d", polls)
	}
	if h := c.Terminal("x", func(*schedule.Handle) {}); h != nil {
		t.Error("Terminal after Close should return nil")
	}
	c.Stream("chat", true, func(*schedule.Handle) { polls++ })
	if c.Streaming("chat") {
		t.Error("Stream after Close started a poll")
	}
}
