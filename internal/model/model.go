// Package model defines the canonical records the sync engine operates on.
// Every payload from the push channel or the REST API is normalized into
// these shapes by the decode package before reaching any synchronizer.
package model

import (
	"strings"
	"time"
)

// PlaceholderPrefix prefixes the synthetic id of a path that only exists as
// an in-flight build job.
const PlaceholderPrefix = "job:"

// JobStatus is a backend job lifecycle status.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further lifecycle events are expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	}
	return false
}

// NormalizeJobStatus maps backend spellings onto JobStatus. The backend has
// used "cancelled", "completed" and "done" in different versions.
func NormalizeJobStatus(s string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "pending", "waiting":
		return JobQueued
	case "running", "in_progress", "processing":
		return JobRunning
	case "succeeded", "success", "completed", "complete", "done":
		return JobSucceeded
	case "failed", "error":
		return JobFailed
	case "canceled", "cancelled":
		return JobCanceled
	case "":
		return ""
	}
	return JobStatus(strings.ToLower(s))
}

// Job is a server-tracked unit of asynchronous work.
type Job struct {
	ID        string
	Type      string
	Status    JobStatus
	Stage     string
	Progress  int
	Message   string
	Error     string
	Result    map[string]any
	OwnerID   string
	EntityID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Path is a learning path, or a placeholder for one that is still being
// built. Placeholders share the shape so consumers can render both alike.
type Path struct {
	ID            string
	JobID         string
	Title         string
	Description   string
	Status        JobStatus
	Stage         string
	Progress      int
	Message       string
	Error         string
	MaterialSetID string
	Placeholder   bool
	ActivatedAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PlaceholderID returns the synthetic id used for an in-flight build job.
func PlaceholderID(jobID string) string {
	return PlaceholderPrefix + jobID
}

// IsPlaceholderID reports whether id was produced by PlaceholderID.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// Identity implements collection.Record.
func (p *Path) Identity() string {
	if p == nil {
		return ""
	}
	return p.ID
}

// SortKey implements collection.Record. Paths have no sequence.
func (p *Path) SortKey() int64 { return 0 }

// Overlay returns p with the non-zero fields of in applied on top. It
// returns p itself when in carries nothing new. A real record overlaid on a
// placeholder clears the placeholder flag.
func (p *Path) Overlay(in *Path) *Path {
	next := *p
	setString(&next.ID, in.ID)
	setString(&next.JobID, in.JobID)
	setString(&next.Title, in.Title)
	setString(&next.Description, in.Description)
	if in.Status != "" {
		next.Status = in.Status
	}
	setString(&next.Stage, in.Stage)
	if in.Progress != 0 {
		next.Progress = in.Progress
	}
	setString(&next.Message, in.Message)
	setString(&next.Error, in.Error)
	setString(&next.MaterialSetID, in.MaterialSetID)
	if !in.Placeholder && !IsPlaceholderID(in.ID) && in.ID != "" {
		next.Placeholder = false
	}
	setTime(&next.ActivatedAt, in.ActivatedAt)
	setTime(&next.CreatedAt, in.CreatedAt)
	setTime(&next.UpdatedAt, in.UpdatedAt)

	if next == *p {
		return p
	}
	return &next
}

// MessageStatus is the lifecycle of a chat message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageStreaming MessageStatus = "streaming"
	MessageDone      MessageStatus = "done"
	MessageError     MessageStatus = "error"
)

// IsTerminal reports whether the message will receive no more content.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageDone || s == MessageError
}

// NormalizeMessageStatus maps backend spellings onto MessageStatus.
func NormalizeMessageStatus(s string) MessageStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued":
		return MessagePending
	case "streaming", "running", "in_progress":
		return MessageStreaming
	case "done", "complete", "completed", "succeeded":
		return MessageDone
	case "error", "failed":
		return MessageError
	case "":
		return ""
	}
	return MessageStatus(strings.ToLower(s))
}

// Role of a chat message author.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one entry of a thread. Seq is the sole ordering key.
type ChatMessage struct {
	ID             string
	ThreadID       string
	Seq            int64
	Role           string
	Status         MessageStatus
	Content        string
	Error          string
	Attempt        int
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Identity implements collection.Record.
func (m *ChatMessage) Identity() string {
	if m == nil {
		return ""
	}
	return m.ID
}

// SortKey implements collection.Record.
func (m *ChatMessage) SortKey() int64 { return m.Seq }

// Overlay returns m with the non-zero fields of in applied on top, or m
// itself when nothing changes.
//
// While m is still streaming and in is not terminal, the longer of the two
// contents wins: a poll snapshot taken mid-stream lags the locally
// assembled deltas and must not shrink the visible text.
func (m *ChatMessage) Overlay(in *ChatMessage) *ChatMessage {
	next := *m
	setString(&next.ID, in.ID)
	setString(&next.ThreadID, in.ThreadID)
	if in.Seq != 0 {
		next.Seq = in.Seq
	}
	setString(&next.Role, in.Role)
	if in.Status != "" {
		next.Status = in.Status
	}
	if in.Content != "" {
		if in.Status.IsTerminal() || m.Status.IsTerminal() || len(in.Content) >= len(m.Content) {
			next.Content = in.Content
		}
	}
	setString(&next.Error, in.Error)
	if in.Attempt > next.Attempt {
		next.Attempt = in.Attempt
	}
	setString(&next.IdempotencyKey, in.IdempotencyKey)
	setTime(&next.CreatedAt, in.CreatedAt)
	setTime(&next.UpdatedAt, in.UpdatedAt)

	if next == *m {
		return m
	}
	return &next
}

// Thread is a chat thread header.
type Thread struct {
	ID        string
	Title     string
	PathID    string
	JobID     string
	UpdatedAt time.Time
}

// Envelope is a raw push notification.
type Envelope struct {
	Channel string
	Event   string
	Data    map[string]any
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setTime(dst *time.Time, v time.Time) {
	if !v.IsZero() {
		*dst = v
	}
}

// Delta is one incremental fragment of a streamed assistant message.
// (Attempt, DeltaSeq) orders fragments for a single message id.
type Delta struct {
	ThreadID  string
	MessageID string
	Text      string
	Attempt   int
	DeltaSeq  int64
}

// SendResult is the backend's answer to a posted chat message: the stored
// user message, the assistant message it will stream into, and the job
// generating the reply. Any of them may be missing.
type SendResult struct {
	UserMessage      *ChatMessage
	AssistantMessage *ChatMessage
	Job              Job
}

// BlockPatch asks the backend to rewrite one block of a node's document.
type BlockPatch struct {
	BlockID     string
	Action      string
	Instruction string
}
