package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "job.terminal".
	EventType() string
	Timestamp() time.Time
}

// Event types.
const (
	TypeConnectivity   = "push.connectivity"
	TypeEnvelopeDrop   = "push.dropped"
	TypeInvalidated    = "collection.invalidated"
	TypeJobTerminal    = "job.terminal"
	TypePathPromoted   = "path.promoted"
	TypeCommandFailed  = "command.failed"
	TypePatchResolved  = "patch.resolved"
	TypeDeltaDiscarded = "chat.delta_discarded"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// ConnectivityEvent is emitted when the push channel connects or drops.
// Reconnect is true on a false to true edge that triggered invalidation.
type ConnectivityEvent struct {
	baseEvent
	Connected bool
	Reconnect bool
}

// NewConnectivityEvent creates a ConnectivityEvent.
func NewConnectivityEvent(connected, reconnect bool) ConnectivityEvent {
	return ConnectivityEvent{
		baseEvent: newBaseEvent(TypeConnectivity),
		Connected: connected,
		Reconnect: reconnect,
	}
}

// EnvelopeDroppedEvent is emitted when a push envelope produced no effects.
type EnvelopeDroppedEvent struct {
	baseEvent
	Event  string
	Reason string
}

// NewEnvelopeDroppedEvent creates an EnvelopeDroppedEvent.
func NewEnvelopeDroppedEvent(name, reason string) EnvelopeDroppedEvent {
	return EnvelopeDroppedEvent{
		baseEvent: newBaseEvent(TypeEnvelopeDrop),
		Event:     name,
		Reason:    reason,
	}
}

// InvalidatedEvent is emitted when a collection (or one entry of it) needs a
// re-pull. Collections the engine does not own, such as node documents, are
// only reachable through this event.
type InvalidatedEvent struct {
	baseEvent
	Collection string
	Key        string // empty for the whole collection
	Reason     string
}

// NewInvalidatedEvent creates an InvalidatedEvent.
func NewInvalidatedEvent(collection, key, reason string) InvalidatedEvent {
	return InvalidatedEvent{
		baseEvent:  newBaseEvent(TypeInvalidated),
		Collection: collection,
		Key:        key,
		Reason:     reason,
	}
}

// JobTerminalEvent is emitted when a job reaches succeeded, failed or
// canceled.
type JobTerminalEvent struct {
	baseEvent
	JobID   string
	JobType string
	Status  string
	Error   string
}

// NewJobTerminalEvent creates a JobTerminalEvent.
func NewJobTerminalEvent(jobID, jobType, status, errMsg string) JobTerminalEvent {
	return JobTerminalEvent{
		baseEvent: newBaseEvent(TypeJobTerminal),
		JobID:     jobID,
		JobType:   jobType,
		Status:    status,
		Error:     errMsg,
	}
}

// PathPromotedEvent is emitted when a placeholder is replaced by the real
// path.
type PathPromotedEvent struct {
	baseEvent
	JobID  string
	PathID string
}

// NewPathPromotedEvent creates a PathPromotedEvent.
func NewPathPromotedEvent(jobID, pathID string) PathPromotedEvent {
	return PathPromotedEvent{
		baseEvent: newBaseEvent(TypePathPromoted),
		JobID:     jobID,
		PathID:    pathID,
	}
}

// CommandFailedEvent is emitted when the backend rejects a command.
// Banner is the user-facing text for send failures.
type CommandFailedEvent struct {
	baseEvent
	Command string
	Target  string
	Error   string
	Banner  string
}

// NewCommandFailedEvent creates a CommandFailedEvent.
func NewCommandFailedEvent(command, target, errMsg, banner string) CommandFailedEvent {
	return CommandFailedEvent{
		baseEvent: newBaseEvent(TypeCommandFailed),
		Command:   command,
		Target:    target,
		Error:     errMsg,
		Banner:    banner,
	}
}

// PatchResolvedEvent is emitted when a document patch job finishes.
type PatchResolvedEvent struct {
	baseEvent
	JobID   string
	NodeID  string
	BlockID string
	Success bool
}

// NewPatchResolvedEvent creates a PatchResolvedEvent.
func NewPatchResolvedEvent(jobID, nodeID, blockID string, success bool) PatchResolvedEvent {
	return PatchResolvedEvent{
		baseEvent: newBaseEvent(TypePatchResolved),
		JobID:     jobID,
		NodeID:    nodeID,
		BlockID:   blockID,
		Success:   success,
	}
}

// DeltaDiscardedEvent is emitted when the assembler drops a fragment.
type DeltaDiscardedEvent struct {
	baseEvent
	MessageID string
	Attempt   int
	DeltaSeq  int64
	Outcome   string
}

// NewDeltaDiscardedEvent creates a DeltaDiscardedEvent.
func NewDeltaDiscardedEvent(messageID string, attempt int, deltaSeq int64, outcome string) DeltaDiscardedEvent {
	return DeltaDiscardedEvent{
		baseEvent: newBaseEvent(TypeDeltaDiscarded),
		MessageID: messageID,
		Attempt:   attempt,
		DeltaSeq:  deltaSeq,
		Outcome:   outcome,
	}
}
