package fixture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

const sample = `
name: calculus onboarding
paths:
  - id: p1
    title: Calculus I
    status: completed
  - id: p2
    name: Linear Algebra
    job_id: j2
jobs:
  - id: j2
    job_type: LEARNING_BUILD
    status: running
    stage: waiting_child_embed_chunks
    progress: 40
    result: '{"path_id": "p2"}'
threads:
  - thread: {id: t1, title: Limits}
    messages:
      - {id: m2, seq: 2, role: assistant, status: done, content: "A limit is..."}
      - {id: m1, seq: 1, role: user, status: done, content: "What is a limit?"}
envelopes:
  - channel: u1
    event: jobprogress
    data: {job_id: j2, job_type: learning_build, progress: 60}
reject:
  cancel_job: job is locked
`

func load(t *testing.T) *Backend {
	t.Helper()
	b, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return b
}

func TestParse(t *testing.T) {
	b := load(t)
	ctx := context.Background()

	if b.Name() != "calculus onboarding" {
		t.Errorf("Name() = %q", b.Name())
	}
	paths, _ := b.ListPaths(ctx)
	if len(paths) != 2 || paths[1].Title != "Linear Algebra" || paths[0].Status != model.JobSucceeded {
		t.Errorf("ListPaths() = %+v", paths)
	}

	job, err := b.GetJob(ctx, "j2")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Type != "learning_build" || job.Progress != 40 || job.Result["path_id"] != "p2" {
		t.Errorf("GetJob() = %+v", job)
	}

	th, msgs, err := b.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if th.Title != "Limits" || len(msgs) != 2 || msgs[0].ID != "m1" || msgs[0].ThreadID != "t1" {
		t.Errorf("GetThread() = %+v %+v", th, msgs)
	}

	envs := b.Envelopes()
	if len(envs) != 1 || envs[0].Event != "jobprogress" || envs[0].Data["progress"] != 60 {
		t.Errorf("Envelopes() = %+v", envs)
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("pathz: []\n"))
	if !errors.Is(err, errors.ErrMalformedPayload) {
		t.Errorf("Parse() error = %v, want malformed payload", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Errorf("Load() error = %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}
}

func TestNotFound(t *testing.T) {
	b := load(t)
	ctx := context.Background()
	if _, err := b.GetPath(ctx, "nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetPath() error = %v, want not found", err)
	}
	if _, err := b.GetJob(ctx, "nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want not found", err)
	}
	if _, err := b.ListMessages(ctx, "nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("ListMessages() error = %v, want not found", err)
	}
}

func TestCommands(t *testing.T) {
	b := load(t)
	ctx := context.Background()

	err := b.CancelJob(ctx, "j2")
	if !errors.Is(err, errors.ErrCommandRejected) || !strings.Contains(err.Error(), "job is locked") {
		t.Errorf("CancelJob() error = %v, want configured rejection", err)
	}

	job, err := b.RestartJob(ctx, "j2")
	if err != nil {
		t.Fatalf("RestartJob() error = %v", err)
	}
	if job.Status != model.JobQueued || job.Progress != 0 {
		t.Errorf("RestartJob() = %+v, want queued at 0", job)
	}

	p, err := b.ActivatePath(ctx, "p1")
	if err != nil || p.ActivatedAt.IsZero() {
		t.Errorf("ActivatePath() = %+v, %v", p, err)
	}

	pj, err := b.PatchBlock(ctx, "n1", model.BlockPatch{BlockID: "b1"})
	if err != nil || pj.Type != "node_doc_patch" || pj.EntityID != "n1" {
		t.Errorf("PatchBlock() = %+v, %v", pj, err)
	}
}

func TestSendMessage(t *testing.T) {
	b := load(t)
	ctx := context.Background()

	res, err := b.SendMessage(ctx, "t1", "And derivatives?", "k1")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if res.UserMessage == nil || res.UserMessage.Seq != 3 || res.UserMessage.IdempotencyKey != "k1" {
		t.Errorf("UserMessage = %+v", res.UserMessage)
	}
	if res.AssistantMessage == nil || res.AssistantMessage.Seq != 4 || res.AssistantMessage.Status != model.MessageStreaming {
		t.Errorf("AssistantMessage = %+v", res.AssistantMessage)
	}
	if res.Job.Type != "chat_respond" {
		t.Errorf("Job = %+v", res.Job)
	}

	again, err := b.SendMessage(ctx, "t1", "And derivatives?", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if again.UserMessage.ID != res.UserMessage.ID {
		t.Errorf("repeat key stored a new message %q, want %q", again.UserMessage.ID, res.UserMessage.ID)
	}
	msgs, _ := b.ListMessages(ctx, "t1")
	if len(msgs) != 4 {
		t.Errorf("len(ListMessages()) = %d, want 4", len(msgs))
	}
}
