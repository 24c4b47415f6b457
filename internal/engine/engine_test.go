package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/collection"
	"github.com/Iron-Ham/pathwatch/internal/config"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/event"
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/schedule"
)

// fakeBackend is an in-memory Backend with per-method call counts.
type fakeBackend struct {
	mu       sync.Mutex
	calls    map[string]int
	paths    []*model.Path
	pathByID map[string]*model.Path
	pathErr  error
	jobs     map[string]model.Job
	threads  map[string]model.Thread
	messages map[string][]*model.ChatMessage
	gates    map[string]chan struct{}

	activateErr error
	cancelErr   error
	sendErr     error
	sendResult  model.SendResult
	sentKeys    []string
	patchJob    model.Job
	onPatch     func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:    make(map[string]int),
		pathByID: make(map[string]*model.Path),
		jobs:     make(map[string]model.Job),
		threads:  make(map[string]model.Thread),
		messages: make(map[string][]*model.ChatMessage),
		gates:    make(map[string]chan struct{}),
	}
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeBackend) setMessages(threadID string, msgs ...*model.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[threadID] = msgs
}

func (f *fakeBackend) ListPaths(ctx context.Context) ([]*model.Path, error) {
	f.hit("ListPaths")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Path, len(f.paths))
	for i, p := range f.paths {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeBackend) GetPath(ctx context.Context, id string) (*model.Path, error) {
	f.hit("GetPath")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pathErr != nil {
		return nil, f.pathErr
	}
	p, ok := f.pathByID[id]
	if !ok {
		return nil, errors.NewNotFoundError("path", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeBackend) ActivatePath(ctx context.Context, id string) (*model.Path, error) {
	f.hit("ActivatePath")
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	return &model.Path{ID: id, ActivatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeBackend) GetJob(ctx context.Context, id string) (model.Job, error) {
	f.hit("GetJob")
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, errors.NewNotFoundError("job", id)
	}
	return j, nil
}

func (f *fakeBackend) CancelJob(ctx context.Context, id string) error {
	f.hit("CancelJob")
	return f.cancelErr
}

func (f *fakeBackend) RestartJob(ctx context.Context, id string) (model.Job, error) {
	f.hit("RestartJob")
	return model.Job{ID: id, Status: model.JobQueued}, nil
}

func (f *fakeBackend) GetThread(ctx context.Context, id string) (model.Thread, []*model.ChatMessage, error) {
	f.hit("GetThread")
	f.mu.Lock()
	gate := f.gates[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[id], copyMessages(f.messages[id]), nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, threadID string) ([]*model.ChatMessage, error) {
	f.hit("ListMessages")
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyMessages(f.messages[threadID]), nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, threadID, content, key string) (model.SendResult, error) {
	f.hit("SendMessage")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentKeys = append(f.sentKeys, key)
	if f.sendErr != nil {
		return model.SendResult{}, f.sendErr
	}
	return f.sendResult, nil
}

func (f *fakeBackend) PatchBlock(ctx context.Context, nodeID string, patch model.BlockPatch) (model.Job, error) {
	f.hit("PatchBlock")
	if f.onPatch != nil {
		f.onPatch()
	}
	return f.patchJob, nil
}

func copyMessages(msgs []*model.ChatMessage) []*model.ChatMessage {
	out := make([]*model.ChatMessage, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out
}

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	s       *Session
	backend *fakeBackend
	clock   *schedule.ManualClock
	events  *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fb := newFakeBackend()
	clock := schedule.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(Options{
		Backend:     fb,
		Convergence: config.Default().Convergence,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := &recorder{}
	s.Bus().SubscribeAll(rec.handle)
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return &harness{s: s, backend: fb, clock: clock, events: rec}
}

func (h *harness) send(name string, data map[string]any) {
	h.s.HandleEnvelope(model.Envelope{Channel: "u1", Event: name, Data: data})
	h.s.Wait()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.s.Wait()
}

func (h *harness) paths() []*model.Path {
	return h.s.Paths().Snapshot()
}

func (h *harness) messages() []*model.ChatMessage {
	return h.s.Messages().Snapshot()
}

func build(jobID string, extra map[string]any) map[string]any {
	data := map[string]any{"job_id": jobID, "job_type": "learning_build"}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(Options{})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("New() error = %v, want invalid input", err)
	}
}

func TestPlaceholderPromotedOnDone(t *testing.T) {
	h := newHarness(t)
	h.backend.pathByID["p1"] = &model.Path{ID: "p1", Title: "Linear Algebra"}

	h.send("jobcreated", build("j1", nil))
	got := h.paths()
	if len(got) != 1 || got[0].ID != "job:j1" || got[0].Status != model.JobQueued {
		t.Fatalf("after created = %+v, want one queued placeholder job:j1", got)
	}

	h.send("jobprogress", build("j1", map[string]any{"stage": "embed_chunks", "progress": 40}))
	got = h.paths()
	if len(got) != 1 || got[0].Stage != "embed_chunks" || got[0].Progress != 40 {
		t.Fatalf("after progress = %+v, want embed_chunks at 40", got[0])
	}

	h.send("jobdone", build("j1", map[string]any{
		"job": map[string]any{"result": map[string]any{"path_id": "p1"}},
	}))
	got = h.paths()
	if len(got) != 1 {
		t.Fatalf("len(paths) = %d, want 1: %+v", len(got), got)
	}
	if got[0].ID != "p1" || got[0].Title != "Linear Algebra" || got[0].Placeholder {
		t.Errorf("promoted = %+v, want real path p1", got[0])
	}
	if got[0].JobID != "j1" {
		t.Errorf("promoted JobID = %q, want j1", got[0].JobID)
	}
	if _, ok := collection.Find(got, "job:j1"); ok {
		t.Error("placeholder job:j1 still present")
	}
	if n := len(h.events.ofType(event.TypePathPromoted)); n != 1 {
		t.Errorf("promoted events = %d, want 1", n)
	}
	if n := len(h.events.ofType(event.TypeJobTerminal)); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
}

func TestLateProgressAfterDone(t *testing.T) {
	tests := []struct {
		name    string
		promote bool
	}{
		{name: "after promotion", promote: true},
		{name: "before promotion", promote: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.promote {
				h.backend.pathByID["p1"] = &model.Path{ID: "p1", Title: "Linear Algebra", Status: "ready"}
			} else {
				h.backend.pathErr = errors.NewPullError("fetch path", nil).WithStatus(503)
			}

			h.send("jobcreated", build("j1", nil))
			h.send("jobprogress", build("j1", map[string]any{"stage": "embed_chunks", "progress": 40}))
			h.send("jobdone", build("j1", map[string]any{"path_id": "p1"}))
			before := h.paths()

			h.send("jobprogress", build("j1", map[string]any{"stage": "node_doc_build", "progress": 80}))
			got := h.paths()
			if !collection.Same(got, before) {
				t.Fatalf("late progress changed paths: %+v", got[0])
			}
			for _, p := range got {
				if p.Status == model.JobRunning {
					t.Errorf("path %s went back to running", p.ID)
				}
			}
		})
	}
}

func TestPromoteFallsBackToListPull(t *testing.T) {
	h := newHarness(t)
	h.backend.pathErr = errors.NewPullError("fetch path", nil).WithStatus(503)
	h.backend.paths = []*model.Path{{ID: "p1", JobID: "j1", Title: "Pulled"}}

	h.send("jobcreated", build("j1", nil))
	h.send("jobdone", build("j1", map[string]any{"path_id": "p1"}))

	if n := h.backend.count("ListPaths"); n != 1 {
		t.Errorf("ListPaths calls = %d, want 1", n)
	}
	got := h.paths()
	if len(got) != 1 || got[0].ID != "p1" || got[0].Title != "Pulled" {
		t.Errorf("paths = %+v, want only pulled p1", got)
	}
}

func TestPromoteWithoutPathIDFetchesJob(t *testing.T) {
	h := newHarness(t)
	h.backend.jobs["j1"] = model.Job{ID: "j1", Result: map[string]any{"path_id": "p7"}}
	h.backend.pathByID["p7"] = &model.Path{ID: "p7", Title: "From job"}

	h.send("jobcreated", build("j1", nil))
	h.send("jobdone", build("j1", nil))

	if n := h.backend.count("GetJob"); n != 1 {
		t.Errorf("GetJob calls = %d, want 1", n)
	}
	got := h.paths()
	if len(got) != 1 || got[0].ID != "p7" {
		t.Errorf("paths = %+v, want p7", got)
	}
}

func TestFailedBuildKeepsPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.send("jobcreated", build("j1", nil))
	h.send("jobfailed", build("j1", map[string]any{"error": "could not parse upload"}))

	p, ok := collection.Find(h.paths(), "job:j1")
	if !ok {
		t.Fatal("placeholder removed after failure")
	}
	if p.Status != model.JobFailed || p.Message != "could not parse upload" {
		t.Errorf("placeholder = %+v, want failed with error message", p)
	}
}

func TestChatDeltasOutOfOrder(t *testing.T) {
	h := newHarness(t)
	h.backend.threads["t1"] = model.Thread{ID: "t1", Title: "Questions"}
	h.s.OpenThread("t1")
	h.s.Wait()

	h.send("chat_message.delta", map[string]any{"thread_id": "t1", "message_id": "m1", "attempt": 0, "delta_seq": 2, "delta": "World"})
	h.send("chat_message.delta", map[string]any{"thread_id": "t1", "message_id": "m1", "attempt": 0, "delta_seq": 1, "delta": "Hello "})

	m, ok := collection.Find(h.messages(), "m1")
	if !ok {
		t.Fatal("message m1 not synthesized")
	}
	if m.Content != "World" {
		t.Errorf("Content = %q, want %q", m.Content, "World")
	}
	if n := len(h.events.ofType(event.TypeDeltaDiscarded)); n != 1 {
		t.Errorf("discarded events = %d, want 1", n)
	}
	if h.s.Thread().Snapshot().Title != "Questions" {
		t.Errorf("thread = %+v, want pulled header", h.s.Thread().Snapshot())
	}
}

func TestDeltaForOtherThreadIgnored(t *testing.T) {
	h := newHarness(t)
	h.s.OpenThread("t1")
	h.s.Wait()

	h.send("chat_message.delta", map[string]any{"thread_id": "t2", "message_id": "m1", "delta_seq": 1, "delta": "x"})
	if got := h.messages(); len(got) != 0 {
		t.Errorf("messages = %+v, want none", got)
	}
}

func TestReconnectInvalidatesOnce(t *testing.T) {
	h := newHarness(t)
	unmount := h.s.MountPaths()
	defer unmount()
	h.s.Wait()
	if n := h.backend.count("ListPaths"); n != 1 {
		t.Fatalf("ListPaths after mount = %d, want 1", n)
	}

	h.s.SetConnected(true)
	h.s.Wait()
	if n := h.backend.count("ListPaths"); n != 2 {
		t.Errorf("ListPaths after first connect = %d, want 2", n)
	}

	h.s.SetConnected(false)
	h.s.SetConnected(true)
	h.s.SetConnected(true)
	h.s.Wait()
	if n := h.backend.count("ListPaths"); n != 3 {
		t.Errorf("ListPaths after reconnect = %d, want 3", n)
	}

	var reconnects int
	for _, e := range h.events.ofType(event.TypeConnectivity) {
		if e.(event.ConnectivityEvent).Reconnect {
			reconnects++
		}
	}
	if reconnects != 2 {
		t.Errorf("reconnect events = %d, want 2", reconnects)
	}
}

func TestFirstConnectRecoversMountGap(t *testing.T) {
	h := newHarness(t)
	unmount := h.s.MountPaths()
	defer unmount()
	h.s.Wait()

	// A path created between the mount pull and the socket handshake.
	h.backend.mu.Lock()
	h.backend.paths = []*model.Path{{ID: "p9", Title: "Created while dialing"}}
	h.backend.mu.Unlock()

	h.s.SetConnected(true)
	h.s.Wait()
	if n := h.backend.count("ListPaths"); n != 2 {
		t.Errorf("ListPaths calls = %d, want 2", n)
	}
	if _, ok := collection.Find(h.paths(), "p9"); !ok {
		t.Errorf("paths = %+v, want p9", h.paths())
	}
}

func TestUnmountedFeatureNotInvalidated(t *testing.T) {
	h := newHarness(t)
	unmount := h.s.MountPaths()
	h.s.Wait()
	unmount()

	h.s.SetConnected(true)
	h.s.SetConnected(false)
	h.s.SetConnected(true)
	h.s.Wait()
	if n := h.backend.count("ListPaths"); n != 1 {
		t.Errorf("ListPaths = %d, want 1", n)
	}
}

func TestStreamPollStartsAndStops(t *testing.T) {
	h := newHarness(t)
	h.backend.setMessages("t1",
		&model.ChatMessage{ID: "u1", ThreadID: "t1", Seq: 1, Role: model.RoleUser, Status: model.MessageDone, Content: "hi"},
		&model.ChatMessage{ID: "a1", ThreadID: "t1", Seq: 2, Role: model.RoleAssistant, Status: model.MessageStreaming, Content: "He"},
	)
	h.s.OpenThread("t1")
	h.s.Wait()

	h.advance(2 * time.Second)
	if n := h.backend.count("ListMessages"); n != 1 {
		t.Fatalf("ListMessages after first interval = %d, want 1", n)
	}

	h.backend.setMessages("t1",
		&model.ChatMessage{ID: "a1", ThreadID: "t1", Seq: 2, Role: model.RoleAssistant, Status: model.MessageDone, Content: "Hello"},
	)
	h.advance(2 * time.Second)
	if n := h.backend.count("ListMessages"); n != 2 {
		t.Fatalf("ListMessages after second interval = %d, want 2", n)
	}
	a1, _ := collection.Find(h.messages(), "a1")
	if a1.Content != "Hello" || a1.Status != model.MessageDone {
		t.Errorf("a1 = %+v, want done Hello", a1)
	}

	h.advance(10 * time.Second)
	if n := h.backend.count("ListMessages"); n != 2 {
		t.Errorf("ListMessages after stream ended = %d, want 2", n)
	}
}

func TestChatJobTerminalDebounce(t *testing.T) {
	h := newHarness(t)
	h.s.OpenThread("t1")
	h.s.Wait()

	h.send("jobdone", map[string]any{"job_id": "c1", "job_type": "chat_respond", "thread_id": "t1"})
	h.advance(500 * time.Millisecond)
	if n := h.backend.count("ListMessages"); n != 0 {
		t.Fatalf("ListMessages before debounce = %d, want 0", n)
	}

	// A second terminal event restarts the debounce window.
	h.send("jobfailed", map[string]any{"job_id": "c1", "job_type": "chat_respond", "thread_id": "t1"})
	h.advance(500 * time.Millisecond)
	if n := h.backend.count("ListMessages"); n != 0 {
		t.Fatalf("ListMessages after replaced debounce = %d, want 0", n)
	}
	h.advance(300 * time.Millisecond)
	if n := h.backend.count("ListMessages"); n != 1 {
		t.Errorf("ListMessages after debounce = %d, want 1", n)
	}
}

func TestThreadSwitchDropsStalePull(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.backend.gates["t1"] = gate
	h.backend.setMessages("t1", &model.ChatMessage{ID: "old", ThreadID: "t1", Seq: 1, Content: "stale"})
	h.backend.setMessages("t2", &model.ChatMessage{ID: "new", ThreadID: "t2", Seq: 1, Content: "fresh"})

	h.s.OpenThread("t1")
	h.s.OpenThread("t2")
	close(gate)
	h.s.Wait()

	got := h.messages()
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("messages = %+v, want only t2's", got)
	}
	if h.s.ThreadID() != "t2" {
		t.Errorf("ThreadID() = %q, want t2", h.s.ThreadID())
	}
}

func TestThreadSwitchCancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.backend.setMessages("t1", &model.ChatMessage{ID: "a1", ThreadID: "t1", Seq: 1, Role: model.RoleAssistant, Status: model.MessageStreaming})
	h.s.OpenThread("t1")
	h.s.Wait()
	if h.clock.Pending() == 0 {
		t.Fatal("expected a stream poll timer")
	}

	h.s.CloseThread()
	h.s.Wait()
	h.advance(10 * time.Second)
	if n := h.backend.count("ListMessages"); n != 0 {
		t.Errorf("ListMessages after close = %d, want 0", n)
	}
}

func TestSendMessage(t *testing.T) {
	t.Run("replaces optimistic copy", func(t *testing.T) {
		h := newHarness(t)
		h.s.OpenThread("t1")
		h.s.Wait()
		h.backend.sendResult = model.SendResult{
			UserMessage:      &model.ChatMessage{ID: "u1", ThreadID: "t1", Seq: 1, Role: model.RoleUser, Status: model.MessageDone, Content: "hi"},
			AssistantMessage: &model.ChatMessage{ID: "a1", ThreadID: "t1", Seq: 2, Role: model.RoleAssistant, Status: model.MessageStreaming},
			Job:              model.Job{ID: "c1", Type: "chat_respond", Status: model.JobQueued},
		}

		if _, err := h.s.SendMessage(context.Background(), "  hi  "); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
		h.s.Wait()

		got := h.messages()
		if len(got) != 2 || got[0].ID != "u1" || got[1].ID != "a1" {
			t.Fatalf("messages = %+v, want [u1 a1]", got)
		}
		if len(h.backend.sentKeys) != 1 || got[0].IdempotencyKey != h.backend.sentKeys[0] {
			t.Errorf("IdempotencyKey = %q, want sent key %v", got[0].IdempotencyKey, h.backend.sentKeys)
		}
	})

	t.Run("busy failure shows banner", func(t *testing.T) {
		h := newHarness(t)
		h.s.OpenThread("t1")
		h.s.Wait()
		h.backend.sendErr = errors.NewCommandError("send message", nil).WithStatus(429)

		if _, err := h.s.SendMessage(context.Background(), "hi"); err == nil {
			t.Fatal("SendMessage() error = nil, want error")
		}
		got := h.messages()
		if len(got) != 1 {
			t.Fatalf("messages = %+v, want one failed local message", got)
		}
		want := errors.SendFailureBanner(h.backend.sendErr)
		if got[0].Status != model.MessageError || got[0].Error != want {
			t.Errorf("local = %+v, want error with banner %q", got[0], want)
		}
		failed := h.events.ofType(event.TypeCommandFailed)
		if len(failed) != 1 || failed[0].(event.CommandFailedEvent).Banner != want {
			t.Errorf("command failed events = %+v", failed)
		}
	})

	t.Run("no thread", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.s.SendMessage(context.Background(), "hi"); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("SendMessage() error = %v, want invalid input", err)
		}
		if n := h.backend.count("SendMessage"); n != 0 {
			t.Errorf("backend SendMessage calls = %d, want 0", n)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		h := newHarness(t)
		h.s.OpenThread("t1")
		h.s.Wait()
		if _, err := h.s.SendMessage(context.Background(), "   "); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("SendMessage() error = %v, want invalid input", err)
		}
	})
}

func TestActivatePath(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		h.backend.paths = []*model.Path{{ID: "p1", Title: "One"}}
		h.s.LoadPaths()
		h.s.Wait()

		if err := h.s.ActivatePath(context.Background(), "p1"); err != nil {
			t.Fatalf("ActivatePath() error = %v", err)
		}
		p, _ := collection.Find(h.paths(), "p1")
		if !p.ActivatedAt.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("ActivatedAt = %v, want backend value", p.ActivatedAt)
		}
	})

	t.Run("rejection restores previous state", func(t *testing.T) {
		h := newHarness(t)
		h.backend.paths = []*model.Path{{ID: "p1", Title: "One"}}
		h.backend.activateErr = errors.NewCommandError("activate path", nil).WithStatus(409)
		h.s.LoadPaths()
		h.s.Wait()

		if err := h.s.ActivatePath(context.Background(), "p1"); err == nil {
			t.Fatal("ActivatePath() error = nil, want error")
		}
		p, _ := collection.Find(h.paths(), "p1")
		if !p.ActivatedAt.IsZero() {
			t.Errorf("ActivatedAt = %v, want zero after revert", p.ActivatedAt)
		}
		if n := len(h.events.ofType(event.TypeCommandFailed)); n != 1 {
			t.Errorf("command failed events = %d, want 1", n)
		}
	})
}

func TestPatchBlockTracking(t *testing.T) {
	h := newHarness(t)
	h.backend.patchJob = model.Job{ID: "pj1", Type: "node_doc_patch"}

	job, err := h.s.PatchBlock(context.Background(), "n1", model.BlockPatch{BlockID: "b1", Action: "rewrite"})
	if err != nil {
		t.Fatalf("PatchBlock() error = %v", err)
	}
	if job.ID != "pj1" {
		t.Errorf("job.ID = %q, want pj1", job.ID)
	}
	if got := h.s.PendingBlocks("n1"); len(got) != 1 || got[0] != "b1" {
		t.Fatalf("PendingBlocks() = %v, want [b1]", got)
	}

	h.send("jobdone", map[string]any{"job_id": "pj1", "job_type": "node_doc_patch", "node_id": "n1"})
	if got := h.s.PendingBlocks("n1"); len(got) != 0 {
		t.Errorf("PendingBlocks() after done = %v, want none", got)
	}
	resolved := h.events.ofType(event.TypePatchResolved)
	if len(resolved) != 1 || !resolved[0].(event.PatchResolvedEvent).Success {
		t.Errorf("patch resolved events = %+v, want one success", resolved)
	}
	inv := h.events.ofType(event.TypeInvalidated)
	if len(inv) != 1 || inv[0].(event.InvalidatedEvent).Key != "n1" {
		t.Errorf("invalidated events = %+v, want node_doc n1", inv)
	}
}

func TestPatchBlockResolution(t *testing.T) {
	payload := map[string]any{"job_id": "pj1", "job_type": "node_doc_patch", "node_id": "n1"}
	tests := []struct {
		name        string
		event       string
		early       bool
		wantSuccess bool
	}{
		{name: "canceled", event: "jobcanceled"},
		{name: "failed", event: "jobfailed"},
		{name: "done before enqueue returns", event: "jobdone", early: true, wantSuccess: true},
		{name: "canceled before enqueue returns", event: "jobcanceled", early: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.backend.patchJob = model.Job{ID: "pj1", Type: "node_doc_patch"}
			if tt.early {
				h.backend.onPatch = func() { h.send(tt.event, payload) }
			}

			if _, err := h.s.PatchBlock(context.Background(), "n1", model.BlockPatch{BlockID: "b1", Action: "rewrite"}); err != nil {
				t.Fatalf("PatchBlock() error = %v", err)
			}
			if !tt.early {
				h.send(tt.event, payload)
			}

			if got := h.s.PendingBlocks("n1"); len(got) != 0 {
				t.Errorf("PendingBlocks() = %v, want none", got)
			}
			resolved := h.events.ofType(event.TypePatchResolved)
			if len(resolved) != 1 {
				t.Fatalf("patch resolved events = %d, want 1", len(resolved))
			}
			if got := resolved[0].(event.PatchResolvedEvent); got.Success != tt.wantSuccess || got.BlockID != "b1" {
				t.Errorf("patch resolved = %+v, want success=%v for b1", got, tt.wantSuccess)
			}
		})
	}
}

func TestWatchJob(t *testing.T) {
	h := newHarness(t)
	h.backend.jobs["j9"] = model.Job{ID: "j9", Type: "learning_build", Status: model.JobRunning, Stage: "embed_chunks", Progress: 20}

	h.s.WatchJob("j9")
	h.s.Wait()
	if n := h.backend.count("GetJob"); n != 1 {
		t.Fatalf("GetJob calls = %d, want 1", n)
	}
	if h.s.WatchedJob() != "j9" {
		t.Errorf("WatchedJob() = %q, want j9", h.s.WatchedJob())
	}
	if v := h.s.Activity().View().Snapshot(); v.Job.ID != "j9" {
		t.Errorf("view job = %q, want j9", v.Job.ID)
	}

	h.send("jobfailed", build("j9", map[string]any{"error": "boom"}))
	h.advance(750 * time.Millisecond)
	if n := h.backend.count("GetJob"); n != 2 {
		t.Errorf("GetJob after terminal debounce = %d, want 2", n)
	}

	h.s.WatchJob("")
	h.s.Wait()
	h.send("jobfailed", build("j9", nil))
	h.advance(time.Second)
	if n := h.backend.count("GetJob"); n != 2 {
		t.Errorf("GetJob after unwatch = %d, want 2", n)
	}
}

func TestWatchedJobHoldsTerminalStatus(t *testing.T) {
	h := newHarness(t)
	h.s.WatchJob("j1")
	h.s.Wait()

	h.send("jobprogress", build("j1", map[string]any{"stage": "embed_chunks", "progress": 60}))
	h.send("jobdone", build("j1", nil))
	h.send("jobprogress", build("j1", map[string]any{"stage": "ingest_chunks", "progress": 40}))

	items := h.s.Activity().Items().Snapshot()
	if len(items) != 1 || items[0].Status != model.JobSucceeded || items[0].Progress != 100 {
		t.Errorf("feed = %+v, want one succeeded row at 100", items)
	}
	if v := h.s.Activity().View().Snapshot(); v.Job.Status != model.JobSucceeded || v.Job.Progress < 60 {
		t.Errorf("view job = %+v, want succeeded without regressing", v.Job)
	}
}

func TestJobCommands(t *testing.T) {
	h := newHarness(t)
	if err := h.s.RestartJob(context.Background(), "j1"); err != nil {
		t.Errorf("RestartJob() error = %v", err)
	}
	h.backend.cancelErr = errors.NewCommandError("cancel job", nil).WithStatus(409)
	if err := h.s.CancelJob(context.Background(), "j1"); err == nil {
		t.Error("CancelJob() error = nil, want error")
	}
	if err := h.s.CancelJob(context.Background(), ""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("CancelJob(\"\") error = %v, want invalid input", err)
	}
	if n := h.backend.count("CancelJob"); n != 1 {
		t.Errorf("backend CancelJob calls = %d, want 1", n)
	}
	if n := len(h.events.ofType(event.TypeCommandFailed)); n != 1 {
		t.Errorf("command failed events = %d, want 1", n)
	}
}

func TestUnroutedEnvelopeDropped(t *testing.T) {
	h := newHarness(t)
	h.send("jobprogress", map[string]any{"job_id": "x", "job_type": "mystery"})
	if n := len(h.events.ofType(event.TypeEnvelopeDrop)); n != 1 {
		t.Errorf("dropped events = %d, want 1", n)
	}
}
