// Package fixture serves the backend API from a YAML file held in memory.
// Records use the backend's wire field names and go through the same
// tolerant decoding as live responses. Commands mutate the in-memory copy.
package fixture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/pathwatch/internal/decode"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// File is the on-disk layout.
type File struct {
	// Name describes the fixture.
	Name string `yaml:"name"`

	Paths   []map[string]any `yaml:"paths"`
	Jobs    []map[string]any `yaml:"jobs"`
	Threads []ThreadFixture  `yaml:"threads"`

	// Envelopes is a scripted push sequence for replay without a journal.
	Envelopes []EnvelopeFixture `yaml:"envelopes,omitempty"`

	// Reject maps a command name (activate_path, cancel_job, restart_job,
	// send_message, patch_block) to the error text it fails with.
	Reject map[string]string `yaml:"reject,omitempty"`
}

// ThreadFixture is a thread header with its messages.
type ThreadFixture struct {
	Thread   map[string]any   `yaml:"thread"`
	Messages []map[string]any `yaml:"messages"`
}

// EnvelopeFixture is one scripted push envelope.
type EnvelopeFixture struct {
	Channel string         `yaml:"channel"`
	Event   string         `yaml:"event"`
	Data    map[string]any `yaml:"data"`
}

// Backend is an in-memory backend loaded from a File.
type Backend struct {
	mu        sync.Mutex
	name      string
	paths     []*model.Path
	jobs      map[string]model.Job
	threads   map[string]model.Thread
	messages  map[string][]*model.ChatMessage
	envelopes []model.Envelope
	reject    map[string]string
	nextID    int
	now       func() time.Time
}

// Load reads a fixture file.
func Load(path string) (*Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes fixture YAML. Unknown fields are rejected so typos in a
// fixture fail loudly.
func Parse(data []byte) (*Backend, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.NewDecodeError("fixture is not valid YAML", err)
	}
	return New(f), nil
}

// New builds a Backend from an already decoded File.
func New(f File) *Backend {
	b := &Backend{
		name:     f.Name,
		jobs:     make(map[string]model.Job),
		threads:  make(map[string]model.Thread),
		messages: make(map[string][]*model.ChatMessage),
		reject:   f.Reject,
		now:      time.Now,
	}
	for _, raw := range f.Paths {
		if p := decode.Path(decode.Bag(raw)); p.ID != "" {
			b.paths = append(b.paths, p)
		}
	}
	for _, raw := range f.Jobs {
		if j := decode.Job(decode.Bag(raw)); j.ID != "" {
			b.jobs[j.ID] = j
		}
	}
	for _, tf := range f.Threads {
		th := decode.Thread(decode.Bag(tf.Thread))
		if th.ID == "" {
			continue
		}
		b.threads[th.ID] = th
		for _, raw := range tf.Messages {
			m := decode.Message(decode.Bag(raw))
			if m.ID == "" {
				continue
			}
			if m.ThreadID == "" {
				m.ThreadID = th.ID
			}
			b.messages[th.ID] = append(b.messages[th.ID], m)
		}
		sortMessages(b.messages[th.ID])
	}
	for _, ef := range f.Envelopes {
		b.envelopes = append(b.envelopes, model.Envelope{Channel: ef.Channel, Event: ef.Event, Data: ef.Data})
	}
	return b
}

// Name returns the fixture's name.
func (b *Backend) Name() string { return b.name }

// Envelopes returns the scripted push sequence.
func (b *Backend) Envelopes() []model.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Envelope(nil), b.envelopes...)
}

func (b *Backend) rejected(command, target string) error {
	msg, ok := b.reject[command]
	if !ok {
		return nil
	}
	return errors.NewCommandError(command, errors.New(msg)).WithTarget(target)
}

func (b *Backend) id(prefix string) string {
	b.nextID++
	return prefix + strconv.Itoa(b.nextID)
}

// ListPaths implements engine.Backend.
func (b *Backend) ListPaths(ctx context.Context) ([]*model.Path, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.Path, 0, len(b.paths))
	for _, p := range b.paths {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// GetPath implements engine.Backend.
func (b *Backend) GetPath(ctx context.Context, id string) (*model.Path, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.paths {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.NewNotFoundError("path", id)
}

// ActivatePath implements engine.Backend.
func (b *Backend) ActivatePath(ctx context.Context, id string) (*model.Path, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.rejected("activate_path", id); err != nil {
		return nil, err
	}
	for _, p := range b.paths {
		if p.ID == id {
			p.ActivatedAt = b.now().UTC()
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.NewNotFoundError("path", id)
}

// GetJob implements engine.Backend.
func (b *Backend) GetJob(ctx context.Context, id string) (model.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return model.Job{}, errors.NewNotFoundError("job", id)
	}
	return j, nil
}

// CancelJob implements engine.Backend.
func (b *Backend) CancelJob(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.rejected("cancel_job", id); err != nil {
		return err
	}
	j, ok := b.jobs[id]
	if !ok {
		return errors.NewNotFoundError("job", id)
	}
	if j.Status.IsTerminal() {
		return errors.NewCommandError("cancel_job", errors.New("job already finished")).WithTarget(id).WithStatus(409)
	}
	j.Status = model.JobCanceled
	j.UpdatedAt = b.now().UTC()
	b.jobs[id] = j
	return nil
}

// RestartJob implements engine.Backend.
func (b *Backend) RestartJob(ctx context.Context, id string) (model.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.rejected("restart_job", id); err != nil {
		return model.Job{}, err
	}
	j, ok := b.jobs[id]
	if !ok {
		return model.Job{}, errors.NewNotFoundError("job", id)
	}
	j.Status = model.JobQueued
	j.Stage = string(model.JobQueued)
	j.Progress = 0
	j.Error = ""
	j.UpdatedAt = b.now().UTC()
	b.jobs[id] = j
	return j, nil
}

// GetThread implements engine.Backend.
func (b *Backend) GetThread(ctx context.Context, id string) (model.Thread, []*model.ChatMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[id]
	if !ok {
		return model.Thread{}, nil, errors.NewNotFoundError("thread", id)
	}
	return th, copyMessages(b.messages[id]), nil
}

// ListMessages implements engine.Backend.
func (b *Backend) ListMessages(ctx context.Context, threadID string) ([]*model.ChatMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.threads[threadID]; !ok {
		return nil, errors.NewNotFoundError("thread", threadID)
	}
	return copyMessages(b.messages[threadID]), nil
}

// SendMessage implements engine.Backend. The stored user message is done
// and an empty streaming assistant message is created after it. A repeated
// key returns the message stored the first time.
func (b *Backend) SendMessage(ctx context.Context, threadID, content, key string) (model.SendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.threads[threadID]; !ok {
		return model.SendResult{}, errors.NewNotFoundError("thread", threadID)
	}
	if err := b.rejected("send_message", threadID); err != nil {
		return model.SendResult{}, err
	}
	msgs := b.messages[threadID]
	if key != "" {
		for _, m := range msgs {
			if m.IdempotencyKey == key {
				cp := *m
				return model.SendResult{UserMessage: &cp}, nil
			}
		}
	}

	var seq int64
	for _, m := range msgs {
		if m.Seq > seq {
			seq = m.Seq
		}
	}
	now := b.now().UTC()
	user := &model.ChatMessage{
		ID:             b.id("msg-"),
		ThreadID:       threadID,
		Seq:            seq + 1,
		Role:           model.RoleUser,
		Status:         model.MessageDone,
		Content:        content,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	assistant := &model.ChatMessage{
		ID:        b.id("msg-"),
		ThreadID:  threadID,
		Seq:       seq + 2,
		Role:      model.RoleAssistant,
		Status:    model.MessageStreaming,
		CreatedAt: now,
	}
	job := model.Job{
		ID:        b.id("job-"),
		Type:      "chat_respond",
		Status:    model.JobQueued,
		EntityID:  threadID,
		CreatedAt: now,
	}
	b.messages[threadID] = append(msgs, user, assistant)
	b.jobs[job.ID] = job

	u, a := *user, *assistant
	return model.SendResult{UserMessage: &u, AssistantMessage: &a, Job: job}, nil
}

// PatchBlock implements engine.Backend.
func (b *Backend) PatchBlock(ctx context.Context, nodeID string, patch model.BlockPatch) (model.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.rejected("patch_block", nodeID); err != nil {
		return model.Job{}, err
	}
	job := model.Job{
		ID:        b.id("job-"),
		Type:      "node_doc_patch",
		Status:    model.JobQueued,
		EntityID:  nodeID,
		Result:    map[string]any{"block_id": patch.BlockID},
		CreatedAt: b.now().UTC(),
	}
	b.jobs[job.ID] = job
	return job, nil
}

func copyMessages(msgs []*model.ChatMessage) []*model.ChatMessage {
	out := make([]*model.ChatMessage, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out
}

func sortMessages(msgs []*model.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
}
