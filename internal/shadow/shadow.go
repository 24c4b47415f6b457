// Package shadow maintains placeholder paths for learning-path build jobs
// whose path does not exist yet, and promotes them to the real path once
// the job finishes.
//
// A job's entity is located by job id, then by its placeholder id, then by
// the target path id carried in the event. At most one entity per job id is
// present in a collection at any time.
package shadow

import (
	"sync"

	"github.com/Iron-Ham/pathwatch/internal/collection"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// Placeholder copy shown until the real path is fetched.
const (
	PendingTitle       = "Building your learning path"
	PendingDescription = "We're processing your materials. This usually takes a few minutes."
	RestartingMessage  = "Restarting…"
	FailedFallback     = "Something went wrong while building this path."
	CanceledFallback   = "This build was canceled."
)

// Event is the job information a lifecycle event carries.
type Event struct {
	JobID string
	// TargetID is the path id when the payload already names it.
	TargetID    string
	Status      model.JobStatus
	Stage       string
	Progress    int
	HasProgress bool
	Message     string
	Error       string
}

// Tracker applies lifecycle transitions to a path collection. It owns the
// per-job progress watermark so a late progress event from the current run
// cannot move a path backwards, and remembers which runs have finished so
// their stragglers are dropped even after promotion.
type Tracker struct {
	mu       sync.Mutex
	marks    map[string]int
	finished map[string]bool
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{marks: make(map[string]int), finished: make(map[string]bool)}
}

// isFinished reports whether the current run of jobID reached a terminal
// status. Only a restart clears it.
func (t *Tracker) isFinished(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished[jobID]
}

func (t *Tracker) finish(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.marks, jobID)
	t.finished[jobID] = true
}

// watermark returns the highest progress applied for jobID in this run.
func (t *Tracker) watermark(jobID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.marks[jobID]
	return p, ok
}

// forget drops tracking state for jobID, including its finished mark.
func (t *Tracker) forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.marks, jobID)
	delete(t.finished, jobID)
}

// advance records progress for jobID and reports whether it is not older
// than what was already applied.
func (t *Tracker) advance(jobID string, progress int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mark, ok := t.marks[jobID]; ok && progress < mark {
		return false
	}
	t.marks[jobID] = progress
	return true
}

// Locate returns the index of the entity for a job.
func Locate(paths []*model.Path, jobID, targetID string) int {
	if jobID != "" {
		for i, p := range paths {
			if p.JobID == jobID {
				return i
			}
		}
		if i := collection.IndexOf(paths, model.PlaceholderID(jobID)); i >= 0 {
			return i
		}
	}
	return collection.IndexOf(paths, targetID)
}

// NewPlaceholder synthesizes the stand-in entity for a job.
func NewPlaceholder(ev Event) *model.Path {
	id := ev.TargetID
	if id == "" {
		id = model.PlaceholderID(ev.JobID)
	}
	return &model.Path{
		ID:          id,
		JobID:       ev.JobID,
		Title:       PendingTitle,
		Description: PendingDescription,
		Status:      model.JobQueued,
		Stage:       string(model.JobQueued),
		Placeholder: true,
	}
}

// Created handles a job-created event. A created event for a finished run
// is a straggler and is dropped.
func (t *Tracker) Created(paths []*model.Path, ev Event) []*model.Path {
	if ev.JobID == "" || t.isFinished(ev.JobID) {
		return paths
	}
	i := Locate(paths, ev.JobID, ev.TargetID)
	if i < 0 {
		return collection.Upsert(paths, NewPlaceholder(ev), collection.Options{})
	}
	// The entity arrived through a pull first. Attach the job without
	// regressing whatever status the pull reported.
	existing := paths[i]
	next := *existing
	next.JobID = ev.JobID
	if next.Status == "" {
		next.Status = model.JobQueued
		next.Stage = string(model.JobQueued)
	}
	return replaceAt(paths, i, &next)
}

// Progress handles a job-progress event, creating the placeholder when the
// progress event outran the created event. Progress for a finished run is
// dropped.
func (t *Tracker) Progress(paths []*model.Path, ev Event) []*model.Path {
	if ev.JobID == "" || t.isFinished(ev.JobID) {
		return paths
	}
	i := Locate(paths, ev.JobID, ev.TargetID)
	if i >= 0 && paths[i].Status.IsTerminal() && paths[i].JobID == ev.JobID {
		return paths
	}
	if ev.HasProgress && !t.advance(ev.JobID, ev.Progress) {
		return paths
	}

	var base *model.Path
	if i >= 0 {
		base = paths[i]
	} else {
		base = NewPlaceholder(ev)
	}
	next := *base
	next.JobID = ev.JobID
	next.Status = ev.Status
	if next.Status == "" || next.Status.IsTerminal() {
		next.Status = model.JobRunning
	}
	if ev.Stage != "" {
		next.Stage = ev.Stage
	}
	if ev.HasProgress {
		next.Progress = ev.Progress
	}
	if ev.Message != "" {
		next.Message = ev.Message
	}

	if i < 0 {
		return collection.Upsert(paths, &next, collection.Options{})
	}
	return replaceAt(paths, i, &next)
}

// Failed handles a job-failed event. The entity is kept so the failure and
// a retry affordance stay visible.
func (t *Tracker) Failed(paths []*model.Path, ev Event) []*model.Path {
	msg := ev.Error
	if msg == "" {
		msg = ev.Message
	}
	if msg == "" {
		msg = FailedFallback
	}
	return t.terminal(paths, ev, model.JobFailed, msg, ev.Error)
}

// Canceled handles a job-canceled event.
func (t *Tracker) Canceled(paths []*model.Path, ev Event) []*model.Path {
	msg := ev.Message
	if msg == "" {
		msg = CanceledFallback
	}
	return t.terminal(paths, ev, model.JobCanceled, msg, "")
}

// MarkDone is the synchronous half of completion: the entity shows
// succeeded at 100% until Promote swaps in the fetched path.
func (t *Tracker) MarkDone(paths []*model.Path, ev Event) []*model.Path {
	if ev.JobID == "" {
		return paths
	}
	t.finish(ev.JobID)
	msg := ev.Message
	i := Locate(paths, ev.JobID, ev.TargetID)
	var base *model.Path
	if i >= 0 {
		base = paths[i]
	} else {
		base = NewPlaceholder(ev)
	}
	next := *base
	next.JobID = ev.JobID
	next.Status = model.JobSucceeded
	next.Progress = 100
	if msg != "" {
		next.Message = msg
	}
	next.Error = ""
	if i < 0 {
		return collection.Upsert(paths, &next, collection.Options{})
	}
	return replaceAt(paths, i, &next)
}

// Promote is the asynchronous half of completion: every entity belonging
// to jobID is removed and real is inserted in replace mode at the position
// the first of them occupied. Run state is untouched: a pull may promote a
// path whose job is still running.
func (t *Tracker) Promote(paths []*model.Path, jobID string, real *model.Path) []*model.Path {
	if real == nil || real.ID == "" {
		return paths
	}
	placeholderID := model.PlaceholderID(jobID)
	belongs := func(p *model.Path) bool {
		return p.ID == real.ID || p.ID == placeholderID || (jobID != "" && p.JobID == jobID)
	}

	pos := -1
	for i, p := range paths {
		if belongs(p) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return collection.Upsert(paths, real, collection.Options{Replace: true})
	}
	rest := collection.RemoveWhere(paths, belongs)
	out := make([]*model.Path, 0, len(rest)+1)
	out = append(out, rest[:pos]...)
	out = append(out, real)
	return append(out, rest[pos:]...)
}

// Restarted resets the job's entity to queued and clears its watermark and
// finished mark so the new run starts from zero.
func (t *Tracker) Restarted(paths []*model.Path, ev Event) []*model.Path {
	if ev.JobID == "" {
		return paths
	}
	t.forget(ev.JobID)

	i := Locate(paths, ev.JobID, ev.TargetID)
	var base *model.Path
	if i >= 0 {
		base = paths[i]
	} else {
		base = NewPlaceholder(ev)
	}
	next := *base
	next.JobID = ev.JobID
	next.Status = model.JobQueued
	next.Stage = string(model.JobQueued)
	next.Progress = 0
	next.Message = RestartingMessage
	next.Error = ""
	if i < 0 {
		return collection.Upsert(paths, &next, collection.Options{})
	}
	return replaceAt(paths, i, &next)
}

func (t *Tracker) terminal(paths []*model.Path, ev Event, status model.JobStatus, msg, errText string) []*model.Path {
	if ev.JobID == "" {
		return paths
	}
	t.finish(ev.JobID)

	i := Locate(paths, ev.JobID, ev.TargetID)
	var base *model.Path
	if i >= 0 {
		base = paths[i]
	} else {
		base = NewPlaceholder(ev)
	}
	next := *base
	next.JobID = ev.JobID
	next.Status = status
	next.Message = msg
	if errText != "" {
		next.Error = errText
	}
	if ev.Stage != "" {
		next.Stage = ev.Stage
	}
	if i < 0 {
		return collection.Upsert(paths, &next, collection.Options{})
	}
	return replaceAt(paths, i, &next)
}

// replaceAt swaps paths[i] for next unless they are equal.
func replaceAt(paths []*model.Path, i int, next *model.Path) []*model.Path {
	if *next == *paths[i] {
		return paths
	}
	out := make([]*model.Path, len(paths))
	copy(out, paths)
	out[i] = next
	return out
}
