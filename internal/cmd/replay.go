package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pathwatch/internal/engine"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/fixture"
	"github.com/Iron-Ham/pathwatch/internal/journal"
	"github.com/Iron-Ham/pathwatch/internal/logging"
	"github.com/Iron-Ham/pathwatch/internal/model"
	"github.com/Iron-Ham/pathwatch/internal/schedule"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run recorded push envelopes through the engine offline",
	Long: `Replay feeds push envelopes through a fresh engine backed by a fixture
instead of the live API, then prints the resulting collections.

Envelopes come from a journal session (--session) or, without one, from
the fixture's scripted envelopes. Timers run on a simulated clock that is
advanced past the terminal debounce once every envelope is applied.

Examples:
  # Reproduce a recorded session against a fixture
  pathwatch replay --fixture backend.yaml --session 6f1c...

  # Run the fixture's own scripted envelopes and follow a thread
  pathwatch replay --fixture backend.yaml --thread t1 -v`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

var (
	replayFixture   string
	replayJournal   string
	replaySessionID string
	replayThreadID  string
	replayJobID     string
	replayVerbose   bool
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayFixture, "fixture", "", "Fixture file describing the backend state")
	replayCmd.Flags().StringVar(&replayJournal, "journal", "", "Journal database (default: journal.path)")
	replayCmd.Flags().StringVarP(&replaySessionID, "session", "s", "", "Journal session to replay")
	replayCmd.Flags().StringVar(&replayThreadID, "thread", "", "Chat thread to open before replaying")
	replayCmd.Flags().StringVar(&replayJobID, "job", "", "Job to watch before replaying")
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false, "Print every change as it is applied")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	backend := fixture.New(fixture.File{})
	if replayFixture != "" {
		backend, err = fixture.Load(replayFixture)
		if err != nil {
			return err
		}
	}

	envelopes := backend.Envelopes()
	if replaySessionID != "" {
		j, err := openJournal(ctx, cfg, replayJournal)
		if err != nil {
			return err
		}
		defer func() { _ = j.Close() }()
		entries, err := j.List(ctx, journal.Filter{SessionID: replaySessionID})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return errors.NewNotFoundError("journal session", replaySessionID)
		}
		envelopes = make([]model.Envelope, 0, len(entries))
		for _, e := range entries {
			envelopes = append(envelopes, e.Envelope)
		}
	}

	clock := schedule.NewManualClock(time.Now())
	sess, err := newSession(cfg, backend, "", clock, logging.NopLogger())
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	if replayVerbose {
		unfollow := follow(sess, p)
		defer unfollow()
	}

	sess.Start(ctx)
	defer sess.Close()

	unmount := sess.MountPaths()
	defer unmount()
	if replayThreadID != "" {
		sess.OpenThread(replayThreadID)
	}
	if replayJobID != "" {
		sess.WatchJob(replayJobID)
	}
	sess.Wait()

	for _, env := range envelopes {
		sess.HandleEnvelope(env)
		sess.Wait()
	}
	clock.Advance(cfg.Convergence.TerminalDebounce())
	sess.Wait()

	printSummary(p, sess, len(envelopes))
	return nil
}

func printSummary(p *printer, sess *engine.Session, applied int) {
	p.heading(fmt.Sprintf("Replayed %d envelopes", applied))

	paths := sess.Paths().Snapshot()
	p.heading(fmt.Sprintf("Paths (%d)", len(paths)))
	for _, path := range paths {
		p.println("  " + p.pathLine(path))
	}

	if thread := sess.Thread().Snapshot(); thread.ID != "" {
		msgs := sess.Messages().Snapshot()
		p.heading(fmt.Sprintf("Thread %s (%d messages)", thread.ID, len(msgs)))
		for _, m := range msgs {
			p.println("  " + p.messageLine(m))
		}
	}

	items := sess.Activity().Items().Snapshot()
	if len(items) > 0 {
		p.heading(fmt.Sprintf("Activity (%d)", len(items)))
		for _, it := range items {
			p.println("  " + p.feedLine(it))
		}
	}
	if v := sess.Activity().View().Snapshot(); !v.Empty() {
		p.heading("Job " + v.Job.ID)
		for _, line := range p.stageLines(v) {
			p.println("  " + line)
		}
	}
}
