package decode

import (
	"encoding/json"
	"strings"

	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// Fallback key chains. Earlier keys win.
var (
	jobIDKeys    = []string{"job_id", "jobId", "job.id", "job.job_id"}
	jobTypeKeys  = []string{"job_type", "jobType", "job.job_type", "job.jobType", "job.type"}
	statusKeys   = []string{"status", "job.status"}
	stageKeys    = []string{"stage", "job.stage"}
	progressKeys = []string{"progress", "job.progress"}
	messageKeys  = []string{"message", "job.message", "status_message"}
	errorKeys    = []string{"error", "error_message", "errorMessage", "job.error", "job.error_message"}
	resultKeys   = []string{"result", "job.result"}
	pathIDKeys   = []string{
		"path_id", "pathId",
		"job.path_id", "job.pathId",
		"result.path_id", "result.pathId",
		"job.result.path_id", "job.result.pathId",
	}
)

// Envelope decodes a raw push frame. Frames without an event name are
// rejected; a missing or malformed data field yields an empty Data bag.
func Envelope(raw []byte) (model.Envelope, error) {
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		return model.Envelope{}, errors.NewDecodeError("push frame is not a JSON object", err)
	}
	b := Bag(top)
	env := model.Envelope{
		Channel: b.String("channel", "channel_id", "channelId", "user_id"),
		Event:   b.String("event", "type", "name"),
		Data:    map[string]any(b.Object("data", "payload")),
	}
	if env.Event == "" {
		return model.Envelope{}, errors.NewDecodeError("push frame has no event name", errors.ErrMalformedPayload).WithField("event")
	}
	return env, nil
}

// Job decodes a job record from either a job snapshot or a lifecycle event
// payload. Top-level keys take precedence over the embedded "job" object.
func Job(b Bag) model.Job {
	ids := append(append([]string{}, jobIDKeys...), "id")
	types := append(append([]string{}, jobTypeKeys...), "type")
	return model.Job{
		ID:        b.String(ids...),
		Type:      strings.ToLower(b.String(types...)),
		Status:    model.NormalizeJobStatus(b.String(statusKeys...)),
		Stage:     b.String(stageKeys...),
		Progress:  clampProgress(b.IntOr(0, progressKeys...)),
		Message:   b.String(messageKeys...),
		Error:     b.String(errorKeys...),
		Result:    map[string]any(b.Object(resultKeys...)),
		OwnerID:   b.String("owner_user_id", "user_id", "job.owner_user_id", "job.user_id"),
		EntityID:  b.String("entity_id", "entityId", "job.entity_id"),
		CreatedAt: b.Time("created_at", "createdAt", "job.created_at"),
		UpdatedAt: b.Time("updated_at", "updatedAt", "job.updated_at"),
	}
}

// JobID returns the job id of an event payload.
func JobID(b Bag) string {
	return b.String(jobIDKeys...)
}

// JobType returns the lowercased job type of an event payload.
func JobType(b Bag) string {
	return strings.ToLower(b.String(jobTypeKeys...))
}

// PathID returns the target path id of a build job event, looking at the
// payload, the embedded job, and the (possibly string-encoded) result.
func PathID(b Bag) string {
	return b.String(pathIDKeys...)
}

// PathIDFromJob returns the path id a finished build job produced.
func PathIDFromJob(j model.Job) string {
	if id := Bag(j.Result).String("path_id", "pathId"); id != "" {
		return id
	}
	return ""
}

// Path decodes a path record.
func Path(b Bag) *model.Path {
	p := &model.Path{
		ID:            b.String("id", "path_id", "pathId"),
		JobID:         b.String("job_id", "jobId", "build_job_id"),
		Title:         b.String("title", "name"),
		Description:   b.String("description", "summary"),
		Status:        model.NormalizeJobStatus(b.String("status", "job_status")),
		Stage:         b.String("stage", "job_stage"),
		Progress:      clampProgress(b.IntOr(0, "progress", "job_progress")),
		Message:       b.String("message", "job_message"),
		Error:         b.String("error", "job_error"),
		MaterialSetID: b.String("material_set_id", "materialSetId"),
		ActivatedAt:   b.Time("activated_at", "activatedAt"),
		CreatedAt:     b.Time("created_at", "createdAt"),
		UpdatedAt:     b.Time("updated_at", "updatedAt"),
	}
	p.Placeholder = model.IsPlaceholderID(p.ID)
	return p
}

// Message decodes a chat message record.
func Message(b Bag) *model.ChatMessage {
	return &model.ChatMessage{
		ID:             b.String("id", "message_id", "messageId"),
		ThreadID:       b.String("thread_id", "threadId"),
		Seq:            b.IntOr(0, "seq", "sequence"),
		Role:           strings.ToLower(b.String("role")),
		Status:         model.NormalizeMessageStatus(b.String("status")),
		Content:        b.String("content", "text", "body"),
		Error:          b.String("error", "error_message"),
		Attempt:        int(b.IntOr(0, "attempt")),
		IdempotencyKey: b.String("idempotency_key", "idempotencyKey"),
		CreatedAt:      b.Time("created_at", "createdAt"),
		UpdatedAt:      b.Time("updated_at", "updatedAt"),
	}
}

// Delta decodes a chat delta event payload. Content is not trimmed since
// leading and trailing whitespace is significant in a fragment.
func Delta(b Bag) model.Delta {
	text, _ := firstRaw(b, "delta", "content", "text")
	return model.Delta{
		ThreadID:  b.String("thread_id", "threadId", "message.thread_id"),
		MessageID: b.String("message_id", "messageId", "id", "message.id"),
		Text:      text,
		Attempt:   int(b.IntOr(0, "attempt")),
		DeltaSeq:  b.IntOr(0, "delta_seq", "deltaSeq", "seq"),
	}
}

// Thread decodes a chat thread header.
func Thread(b Bag) model.Thread {
	return model.Thread{
		ID:        b.String("id", "thread_id", "threadId"),
		Title:     b.String("title"),
		PathID:    b.String("path_id", "pathId"),
		JobID:     b.String("job_id", "jobId"),
		UpdatedAt: b.Time("updated_at", "updatedAt"),
	}
}

// Paths decodes a list response: a bare array or an object wrapping it
// under "paths", "items" or "data".
func Paths(raw []byte) []*model.Path {
	var out []*model.Path
	for _, b := range listResponse(raw, "paths", "items", "data") {
		if p := Path(b); p.ID != "" {
			out = append(out, p)
		}
	}
	return out
}

// PathResponse decodes a single path response, wrapped or bare. A response
// without a path id yields a DecodeError matching errors.ErrMissingIdentity.
func PathResponse(raw []byte) (*model.Path, error) {
	b := ParseBag(raw)
	if inner := b.Object("path", "data"); len(inner) > 0 {
		b = inner
	}
	p := Path(b)
	if p.ID == "" {
		return nil, missingID("path")
	}
	return p, nil
}

// JobResponse decodes a single job response, wrapped or bare. Like
// PathResponse it reports a response without a job id.
func JobResponse(raw []byte) (model.Job, error) {
	b := ParseBag(raw)
	if inner := b.Object("job", "data"); len(inner) > 0 && !b.Has("id", "job_id") {
		b = inner
	}
	j := Job(b)
	if j.ID == "" {
		return j, missingID("job")
	}
	return j, nil
}

func missingID(kind string) error {
	return errors.NewDecodeError(kind+" response has no id", errors.ErrMissingIdentity).WithField("id")
}

// Messages decodes a message list response.
func Messages(raw []byte) []*model.ChatMessage {
	var out []*model.ChatMessage
	for _, b := range listResponse(raw, "messages", "items", "data") {
		if m := Message(b); m.ID != "" {
			out = append(out, m)
		}
	}
	return out
}

// ThreadResponse decodes {"thread": {...}, "messages": [...]}.
func ThreadResponse(raw []byte) (model.Thread, []*model.ChatMessage) {
	b := ParseBag(raw)
	th := Thread(b.Object("thread"))
	var msgs []*model.ChatMessage
	for _, mb := range b.List("messages") {
		if m := Message(mb); m.ID != "" {
			msgs = append(msgs, m)
		}
	}
	return th, msgs
}

// SendResponse decodes the response to a posted chat message.
func SendResponse(raw []byte) model.SendResult {
	b := ParseBag(raw)
	var res model.SendResult
	if m := Message(b.Object("user_message", "userMessage", "message")); m.ID != "" {
		res.UserMessage = m
	}
	if m := Message(b.Object("assistant_message", "assistantMessage")); m.ID != "" {
		res.AssistantMessage = m
	}
	if jb := b.Object("job"); len(jb) > 0 {
		res.Job = Job(jb)
	}
	return res
}

func listResponse(raw []byte, keys ...string) []Bag {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return toList(trimmed)
	}
	return ParseBag(raw).List(keys...)
}

func firstRaw(b Bag, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := b.Lookup(k); ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func clampProgress(n int64) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	}
	return int(n)
}
