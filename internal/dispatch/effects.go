package dispatch

import (
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/shadow"
)

// Phase is a job lifecycle phase.
type Phase int

const (
	PhaseCreated Phase = iota + 1
	PhaseProgress
	PhaseDone
	PhaseFailed
	PhaseCanceled
	PhaseRestarted
)

var phaseNames = map[Phase]string{
	PhaseCreated:   "created",
	PhaseProgress:  "progress",
	PhaseDone:      "done",
	PhaseFailed:    "failed",
	PhaseCanceled:  "canceled",
	PhaseRestarted: "restarted",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// Terminal reports whether the phase ends the job.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseCanceled
}

// Effect is a side effect the engine applies for an envelope.
type Effect interface {
	effect()
}

// PathJobEffect drives the placeholder lifecycle of a path build job.
type PathJobEffect struct {
	Phase Phase
	Event shadow.Event
	Job   model.Job
}

// ChatJobEffect reports a chat reply job's lifecycle for a thread.
type ChatJobEffect struct {
	Phase    Phase
	Job      model.Job
	ThreadID string
}

// JobFeedEffect records a job in the activity feed.
type JobFeedEffect struct {
	Phase Phase
	Job   model.Job
}

// InvalidateEffect asks for a re-pull of a dependent collection entry.
type InvalidateEffect struct {
	Collection string
	Key        string
	Job        model.Job
	Phase      Phase
}

// MessageKind is the chat message event kind.
type MessageKind int

const (
	MessageCreated MessageKind = iota + 1
	MessageDone
	MessageError
)

// ChatMessageEffect merges message metadata into the open thread.
type ChatMessageEffect struct {
	Kind    MessageKind
	Message *model.ChatMessage
}

// ChatDeltaEffect feeds a fragment to the delta assembler.
type ChatDeltaEffect struct {
	Delta model.Delta
}

func (PathJobEffect) effect()     {}
func (ChatJobEffect) effect()     {}
func (JobFeedEffect) effect()     {}
func (InvalidateEffect) effect()  {}
func (ChatMessageEffect) effect() {}
func (ChatDeltaEffect) effect()   {}
