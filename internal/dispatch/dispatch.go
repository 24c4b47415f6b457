// Package dispatch classifies push envelopes and turns each one into the
// side effects the engine applies. Dispatch is pure: it reads the envelope
// and the routing rules, nothing else.
package dispatch

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/pathwatch/internal/config"
	"github.com/Iron-Ham/pathwatch/internal/decode"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/shadow"
)

// Event names after normalization.
var lifecycleNames = map[string]Phase{
	"jobcreated":   PhaseCreated,
	"jobqueued":    PhaseCreated,
	"jobprogress":  PhaseProgress,
	"jobdone":      PhaseDone,
	"jobsucceeded": PhaseDone,
	"jobcompleted": PhaseDone,
	"jobfailed":    PhaseFailed,
	"jobcanceled":  PhaseCanceled,
	"jobcancelled": PhaseCanceled,
	"jobrestarted": PhaseRestarted,
}

var messageNames = map[string]MessageKind{
	"chatmessagecreated": MessageCreated,
	"chatmessagedone":    MessageDone,
	"chatmessageerror":   MessageError,
}

const deltaName = "chatmessagedelta"

// NormalizeEventName lowercases name and drops '_', '.' and '-'.
func NormalizeEventName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch r {
		case '_', '.', '-', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type route struct {
	pattern    string
	matcher    glob.Glob
	collection string
	keyField   string
}

// Dispatcher routes envelopes addressed to one viewer.
type Dispatcher struct {
	userID    string
	pathTypes map[string]bool
	chatTypes map[string]bool
	routes    []route
}

// New builds a Dispatcher. An empty userID accepts every channel, which is
// what offline replay wants.
func New(userID string, cfg config.DispatchConfig) (*Dispatcher, error) {
	d := &Dispatcher{
		userID:    userID,
		pathTypes: lowerSet(cfg.PathJobTypes),
		chatTypes: lowerSet(cfg.ChatJobTypes),
	}
	for _, rc := range cfg.Routes {
		g, err := glob.Compile(strings.ToLower(rc.Pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "dispatch route %q", rc.Pattern)
		}
		d.routes = append(d.routes, route{
			pattern:    rc.Pattern,
			matcher:    g,
			collection: rc.Collection,
			keyField:   rc.KeyField,
		})
	}
	return d, nil
}

func lowerSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out[s] = true
		}
	}
	return out
}

// Kind classifies a job type: "path", "chat", the route's collection for a
// secondary type, or "" when unknown.
func (d *Dispatcher) Kind(jobType string) string {
	t := strings.ToLower(jobType)
	switch {
	case d.pathTypes[t]:
		return "path"
	case d.chatTypes[t]:
		return "chat"
	}
	if r, ok := d.route(t); ok {
		return r.collection
	}
	return ""
}

func (d *Dispatcher) route(jobType string) (route, bool) {
	for _, r := range d.routes {
		if r.matcher.Match(jobType) {
			return r, true
		}
	}
	return route{}, false
}

// Dispatch returns the effects of env. Envelopes for another channel,
// unknown event names, unknown job types and payloads without the ids they
// need produce no effects.
func (d *Dispatcher) Dispatch(env model.Envelope) []Effect {
	if d.userID != "" && env.Channel != d.userID {
		return nil
	}
	name := NormalizeEventName(env.Event)
	data := decode.Bag(env.Data)
	if data == nil {
		data = decode.Bag{}
	}

	if phase, ok := lifecycleNames[name]; ok {
		return d.lifecycle(phase, data)
	}
	if kind, ok := messageNames[name]; ok {
		return chatMessage(kind, data)
	}
	if name == deltaName {
		delta := decode.Delta(data)
		if delta.MessageID == "" {
			return nil
		}
		return []Effect{ChatDeltaEffect{Delta: delta}}
	}
	return nil
}

func (d *Dispatcher) lifecycle(phase Phase, data decode.Bag) []Effect {
	job := decode.Job(data)
	job.ID = decode.JobID(data)
	if job.ID == "" {
		return nil
	}
	job.Type = decode.JobType(data)
	job.Status = phaseStatus(phase, job.Status)

	feed := JobFeedEffect{Phase: phase, Job: job}

	switch {
	case d.pathTypes[job.Type]:
		ev := shadow.Event{
			JobID:       job.ID,
			TargetID:    decode.PathID(data),
			Status:      job.Status,
			Stage:       job.Stage,
			Progress:    job.Progress,
			HasProgress: data.Has("progress", "job.progress"),
			Message:     job.Message,
			Error:       job.Error,
		}
		if job.EntityID == "" {
			job.EntityID = ev.TargetID
			feed.Job.EntityID = ev.TargetID
		}
		return []Effect{PathJobEffect{Phase: phase, Event: ev, Job: job}, feed}

	case d.chatTypes[job.Type]:
		threadID := data.String(
			"thread_id", "threadId",
			"job.thread_id", "payload.thread_id", "job.payload.thread_id",
			"result.thread_id", "job.result.thread_id",
		)
		if threadID == "" {
			threadID = job.EntityID
		}
		return []Effect{ChatJobEffect{Phase: phase, Job: job, ThreadID: threadID}, feed}
	}

	r, ok := d.route(job.Type)
	if !ok {
		return nil
	}
	effects := []Effect{feed}
	if phase.Terminal() {
		key := routeKey(data, r.keyField)
		if key == "" {
			key = job.EntityID
		}
		if key != "" {
			effects = append(effects, InvalidateEffect{Collection: r.collection, Key: key, Job: job, Phase: phase})
		}
	}
	return effects
}

// routeKey reads field from the payload, the embedded job, or either's
// payload/result object.
func routeKey(data decode.Bag, field string) string {
	if field == "" {
		return ""
	}
	return data.String(
		field,
		"job."+field,
		"payload."+field,
		"job.payload."+field,
		"result."+field,
		"job.result."+field,
	)
}

func phaseStatus(phase Phase, reported model.JobStatus) model.JobStatus {
	switch phase {
	case PhaseDone:
		return model.JobSucceeded
	case PhaseFailed:
		return model.JobFailed
	case PhaseCanceled:
		return model.JobCanceled
	case PhaseRestarted:
		return model.JobQueued
	case PhaseCreated:
		if reported == "" {
			return model.JobQueued
		}
	case PhaseProgress:
		if reported == "" || reported == model.JobQueued {
			return model.JobRunning
		}
	}
	return reported
}

func chatMessage(kind MessageKind, data decode.Bag) []Effect {
	src := data.Object("message")
	if len(src) == 0 {
		src = data
	}
	msg := decode.Message(src)
	if msg.ID == "" {
		msg.ID = data.String("message_id", "messageId")
	}
	if msg.ID == "" {
		return nil
	}
	if msg.ThreadID == "" {
		msg.ThreadID = data.String("thread_id", "threadId")
	}
	switch kind {
	case MessageDone:
		msg.Status = model.MessageDone
	case MessageError:
		msg.Status = model.MessageError
		if msg.Error == "" {
			msg.Error = data.String("error", "error_message", "message.error")
		}
	case MessageCreated:
		if msg.Status == "" && msg.Role == model.RoleAssistant {
			msg.Status = model.MessageStreaming
		}
	}
	return []Effect{ChatMessageEffect{Kind: kind, Message: msg}}
}
