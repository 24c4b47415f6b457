// Package activity maintains the activity panel: a newest-first feed of
// every job the viewer has seen, plus a detailed view of the one job being
// watched with its per-stage breakdown.
package activity

import (
	"sync"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/collection"
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/store"
)

// DefaultMaxItems bounds the feed length.
const DefaultMaxItems = 50

// FeedItem is a job row in the activity feed.
type FeedItem struct {
	JobID     string
	Type      string
	Status    model.JobStatus
	Stage     string
	Progress  int
	Message   string
	Error     string
	EntityID  string
	UpdatedAt time.Time
}

// ItemFromJob converts a job snapshot or event into a feed row.
func ItemFromJob(j model.Job) *FeedItem {
	return &FeedItem{
		JobID:     j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Stage:     j.Stage,
		Progress:  j.Progress,
		Message:   j.Message,
		Error:     j.Error,
		EntityID:  j.EntityID,
		UpdatedAt: j.UpdatedAt,
	}
}

// Identity implements collection.Record.
func (f *FeedItem) Identity() string {
	if f == nil {
		return ""
	}
	return f.JobID
}

// SortKey implements collection.Record.
func (f *FeedItem) SortKey() int64 { return 0 }

// Overlay implements collection.Record. A terminal row only accepts a new
// status from a restart, which replaces the row instead of overlaying it.
// Progress never decreases within a run.
func (f *FeedItem) Overlay(in *FeedItem) *FeedItem {
	done := f.Status.IsTerminal()
	if done && !in.Status.IsTerminal() {
		return f
	}
	next := *f
	if in.Type != "" {
		next.Type = in.Type
	}
	if in.Status != "" && !done {
		next.Status = in.Status
	}
	if in.Stage != "" && !done {
		next.Stage = in.Stage
	}
	if in.Progress > next.Progress {
		next.Progress = in.Progress
	}
	if in.Message != "" {
		next.Message = in.Message
	}
	if in.Error != "" {
		next.Error = in.Error
	}
	if in.EntityID != "" {
		next.EntityID = in.EntityID
	}
	if !in.UpdatedAt.IsZero() {
		next.UpdatedAt = in.UpdatedAt
	}
	if next.Status == model.JobSucceeded {
		next.Progress = 100
	}
	if next == *f {
		return f
	}
	return &next
}

// Feed owns the activity stores.
type Feed struct {
	mu       sync.Mutex
	maxItems int
	watching string

	items *store.Store[[]*FeedItem]
	view  *store.Store[View]
}

// NewFeed creates an empty feed holding at most maxItems rows (0 uses
// DefaultMaxItems).
func NewFeed(maxItems int) *Feed {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Feed{
		maxItems: maxItems,
		items:    store.New[[]*FeedItem](nil, store.SliceChanged[*FeedItem]),
		view:     store.New(View{}, nil),
	}
}

// Items is the feed store.
func (f *Feed) Items() *store.Store[[]*FeedItem] { return f.items }

// View is the watched-job store.
func (f *Feed) View() *store.Store[View] { return f.view }

// Watching returns the watched job id.
func (f *Feed) Watching() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watching
}

// Apply records a job event or snapshot. When it concerns the watched job
// the view is rebuilt.
func (f *Feed) Apply(j model.Job) {
	if j.ID == "" {
		return
	}
	item := ItemFromJob(j)
	f.items.Update(func(items []*FeedItem) []*FeedItem {
		next := collection.Upsert(items, item, collection.Options{Order: collection.NewestFirst})
		if len(next) > f.maxItems {
			next = next[:f.maxItems:f.maxItems]
		}
		return next
	})

	if f.Watching() != j.ID {
		return
	}
	f.view.Update(func(v View) View {
		return BuildView(MergeJob(v.Job, j))
	})
}

// Restart resets a job's row and view to queued. Restart is the only
// transition allowed out of a terminal status.
func (f *Feed) Restart(j model.Job) {
	if j.ID == "" {
		return
	}
	reset := func(base model.Job) model.Job {
		base.Status = ""
		base.Progress = 0
		out := MergeJob(base, j)
		out.Status = model.JobQueued
		out.Stage = "queued"
		out.Progress = 0
		out.Error = ""
		out.Result = nil
		return out
	}
	f.items.Update(func(items []*FeedItem) []*FeedItem {
		idx := collection.IndexOf(items, j.ID)
		var base model.Job
		if idx >= 0 {
			it := items[idx]
			base = model.Job{ID: it.JobID, Type: it.Type, EntityID: it.EntityID}
		}
		return collection.Upsert(items, ItemFromJob(reset(base)), collection.Options{Order: collection.NewestFirst, Replace: true})
	})
	if f.Watching() == j.ID {
		f.view.Update(func(v View) View {
			return BuildView(reset(v.Job))
		})
	}
}

// Watch selects the job shown in the view. The seed (usually a pulled job
// snapshot) may be zero. Watching a different id clears the previous view.
func (f *Feed) Watch(jobID string, seed model.Job) {
	f.mu.Lock()
	changed := f.watching != jobID
	f.watching = jobID
	f.mu.Unlock()

	if jobID == "" {
		f.view.Set(View{})
		return
	}
	f.view.Update(func(v View) View {
		base := v.Job
		if changed {
			base = model.Job{ID: jobID}
		}
		if seed.ID == jobID {
			base = MergeJob(base, seed)
		}
		return BuildView(base)
	})
}
