// Package delta reconstructs streamed assistant message content from
// fragments tagged with (attempt, deltaSeq).
//
// Per message id the assembler keeps a cursor. A fragment is applied only
// when it moves the cursor forward: an older attempt is discarded, a
// fragment at or below the cursor within the same attempt is discarded,
// a newer attempt replaces the accumulated content, and a higher deltaSeq
// within the current attempt appends.
//
// Fragments that arrive late with a lower deltaSeq are dropped rather than
// buffered. The assembler is a forward-progress filter, not a reorder
// buffer.
package delta

import (
	"sync"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/collection"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// Cursor is the client-side watermark for one message id.
type Cursor struct {
	Attempt  int
	DeltaSeq int64
}

// initialCursor accepts any first fragment with attempt >= 0.
var initialCursor = Cursor{Attempt: -1, DeltaSeq: 0}

// Outcome describes what Apply did with a fragment.
type Outcome int

const (
	// Appended extended the current attempt's content.
	Appended Outcome = iota
	// Reset started a new attempt, replacing prior content.
	Reset
	// StaleAttempt dropped a fragment from an abandoned attempt.
	StaleAttempt
	// Duplicate dropped a fragment at or below the cursor.
	Duplicate
	// Ignored dropped a fragment with no message id.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Reset:
		return "reset"
	case StaleAttempt:
		return "stale_attempt"
	case Duplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// Applied reports whether the fragment changed content.
func (o Outcome) Applied() bool {
	return o == Appended || o == Reset
}

// Assembler owns the cursor map for one chat store. It is safe for
// concurrent use, though the engine drives it from a single goroutine.
type Assembler struct {
	mu      sync.Mutex
	cursors map[string]Cursor
	now     func() time.Time
}

// NewAssembler creates an Assembler with no cursors.
func NewAssembler() *Assembler {
	return &Assembler{
		cursors: make(map[string]Cursor),
		now:     time.Now,
	}
}

// Cursor returns the cursor for a message id, or the initial cursor.
func (a *Assembler) Cursor(messageID string) Cursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.cursors[messageID]; ok {
		return c
	}
	return initialCursor
}

// Apply folds one fragment into messages and returns the new collection
// (the input slice when the fragment was dropped) and what happened.
//
// A fragment for a message not yet in the collection synthesizes a
// streaming assistant message with seq one past the current maximum, so a
// later metadata event merges onto it in place.
func (a *Assembler) Apply(messages []*model.ChatMessage, d model.Delta) ([]*model.ChatMessage, Outcome) {
	if d.MessageID == "" {
		return messages, Ignored
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.cursors[d.MessageID]
	if !ok {
		cur = initialCursor
	}
	existing, found := collection.Find(messages, d.MessageID)

	// A finished message only reopens for a newer attempt.
	if found && existing.Status.IsTerminal() && d.Attempt <= existing.Attempt {
		return messages, StaleAttempt
	}

	var outcome Outcome
	switch {
	case d.Attempt < cur.Attempt:
		return messages, StaleAttempt
	case d.Attempt == cur.Attempt && d.DeltaSeq <= cur.DeltaSeq:
		return messages, Duplicate
	case d.Attempt > cur.Attempt:
		outcome = Reset
	default:
		outcome = Appended
	}
	a.cursors[d.MessageID] = Cursor{Attempt: d.Attempt, DeltaSeq: d.DeltaSeq}

	var next model.ChatMessage
	if found {
		next = *existing
	} else {
		next = model.ChatMessage{
			ID:        d.MessageID,
			ThreadID:  d.ThreadID,
			Seq:       maxSeq(messages) + 1,
			Role:      model.RoleAssistant,
			CreatedAt: a.now(),
		}
	}
	if outcome == Reset {
		next.Content = d.Text
	} else {
		next.Content += d.Text
	}
	next.Attempt = d.Attempt
	next.Status = model.MessageStreaming
	next.Error = ""

	return collection.Upsert(messages, &next, collection.Options{Order: collection.BySeq, Replace: true}), outcome
}

// Forget clears the cursor of a message that reached a terminal status.
func (a *Assembler) Forget(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cursors, messageID)
}

// Reset clears every cursor. Called when a thread is reloaded.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursors = make(map[string]Cursor)
}

// Len returns the number of tracked cursors.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cursors)
}

func maxSeq(messages []*model.ChatMessage) int64 {
	var max int64
	for _, m := range messages {
		if m.Seq > max {
			max = m.Seq
		}
	}
	return max
}
