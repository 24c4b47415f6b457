package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/api"
	"github.com/Iron-Ham/pathwatch/internal/engine"
	"github.com/Iron-Ham/pathwatch/internal/fixture"
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/push"
	"github.com/Iron-Ham/pathwatch/internal/testutil"
)

const wireFixture = `
paths:
  - {id: p0, title: Existing path, status: succeeded}
  - {id: p1, title: Linear Algebra, status: succeeded, job_id: j1}
jobs:
  - {id: j1, job_type: learning_build, status: succeeded, result: {path_id: p1}}
threads:
  - thread: {id: t1, title: Limits}
    messages: []
`

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionOverWire(t *testing.T) {
	b, err := fixture.Parse([]byte(wireFixture))
	if err != nil {
		t.Fatal(err)
	}
	srv := testutil.NewServer(t, b)

	s, err := engine.New(engine.Options{Backend: api.New(api.Options{BaseURL: srv.URL})})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Close()

	pc := push.NewClient(push.Options{
		URL:        srv.PushURL(),
		Dialer:     push.WebSocketDialer{},
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	s.Attach(pc)
	go func() { _ = pc.Run(ctx) }()
	srv.WaitConnected(t, 5*time.Second)

	s.OpenThread("t1")
	s.Wait()

	srv.Push(t, model.Envelope{Channel: "u1", Event: "jobcreated", Data: map[string]any{"job_id": "j1", "job_type": "learning_build"}})
	eventually(t, "placeholder", func() bool {
		s.Wait()
		paths := s.Paths().Snapshot()
		return len(paths) == 1 && paths[0].ID == "job:j1"
	})

	srv.Push(t, model.Envelope{Channel: "u1", Event: "jobdone", Data: map[string]any{
		"job_id":   "j1",
		"job_type": "learning_build",
		"job":      map[string]any{"result": `{"path_id":"p1"}`},
	}})
	eventually(t, "promotion", func() bool {
		s.Wait()
		paths := s.Paths().Snapshot()
		return len(paths) == 1 && paths[0].ID == "p1" && paths[0].Title == "Linear Algebra"
	})

	srv.Push(t, model.Envelope{Channel: "u1", Event: "chat_message.delta", Data: map[string]any{
		"thread_id": "t1", "message_id": "a1", "attempt": 0, "delta_seq": 1, "delta": "Hello",
	}})
	eventually(t, "delta", func() bool {
		s.Wait()
		msgs := s.Messages().Snapshot()
		return len(msgs) == 1 && msgs[0].Content == "Hello"
	})

	// A dropped connection reconnects and re-pulls mounted features.
	unmount := s.MountPaths()
	defer unmount()
	eventually(t, "mount pull", func() bool { return srv.Hits("GET /api/paths") >= 1 })
	before := srv.Hits("GET /api/paths")
	srv.DropConnections()
	srv.WaitConnected(t, 5*time.Second)
	eventually(t, "reconnect pull", func() bool { return srv.Hits("GET /api/paths") > before })

	s.Wait()
	ids := map[string]bool{}
	for _, p := range s.Paths().Snapshot() {
		ids[p.ID] = true
	}
	if !ids["p0"] || !ids["p1"] || len(ids) != 2 {
		t.Errorf("paths after reconnect = %v, want p0 and p1", ids)
	}
}
