// Package docpatch tracks document patch jobs: which block of which node a
// pending patch job will rewrite, so consumers can show the block as busy
// until the job finishes and the node's document is re-pulled.
package docpatch

import (
	"sort"
	"sync"
)

// earlyLimit bounds how many finished but untracked job ids are remembered.
const earlyLimit = 64

// Pending is one in-flight patch.
type Pending struct {
	JobID   string
	NodeID  string
	BlockID string
}

// Tracker is a job id keyed map of pending patches.
//
// A patch job can finish before the command that enqueued it returns. Such
// early resolutions are remembered so the late Track call does not leave
// the block pending forever.
type Tracker struct {
	mu    sync.Mutex
	jobs  map[string]Pending
	early map[string]bool
	order []string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs:  make(map[string]Pending),
		early: make(map[string]bool),
	}
}

// Track records that jobID patches blockID of nodeID. When jobID already
// finished nothing is tracked and done is true, with success reporting how
// the job ended.
func (t *Tracker) Track(jobID, nodeID, blockID string) (success, done bool) {
	if jobID == "" {
		return false, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok, seen := t.early[jobID]; seen {
		return ok, true
	}
	t.jobs[jobID] = Pending{JobID: jobID, NodeID: nodeID, BlockID: blockID}
	return false, false
}

// Resolve removes jobID and returns what it was patching. A job id that is
// not tracked yet is remembered with its outcome for a later Track.
func (t *Tracker) Resolve(jobID string, success bool) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.jobs[jobID]; ok {
		delete(t.jobs, jobID)
		return p, true
	}
	if jobID != "" {
		t.remember(jobID, success)
	}
	return Pending{}, false
}

func (t *Tracker) remember(jobID string, success bool) {
	if _, ok := t.early[jobID]; !ok {
		t.order = append(t.order, jobID)
	}
	t.early[jobID] = success
	for len(t.order) > earlyLimit {
		delete(t.early, t.order[0])
		t.order = t.order[1:]
	}
}

// PendingBlocks returns the block ids of nodeID with a patch in flight.
func (t *Tracker) PendingBlocks(nodeID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, p := range t.jobs {
		if p.NodeID == nodeID && p.BlockID != "" {
			out = append(out, p.BlockID)
		}
	}
	sort.Strings(out)
	return out
}
