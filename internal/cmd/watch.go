package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pathwatch/internal/activity"
	"github.com/Iron-Ham/pathwatch/internal/config"
	"github.com/Iron-Ham/pathwatch/internal/engine"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/event"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow paths, a chat thread or a job live",
	Long: `Connect to the push channel and print every change to your learning
paths as it happens. Add --thread to follow a chat thread and --job to
follow a job's stage breakdown.

Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	watchJobID    string
	watchThreadID string
	watchRecord   bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchJobID, "job", "", "Job ID to follow")
	watchCmd.Flags().StringVar(&watchThreadID, "thread", "", "Chat thread ID to follow")
	watchCmd.Flags().BoolVar(&watchRecord, "record", false, "Record push envelopes to the journal (overrides journal.enabled)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg, newAPIClient(cfg, logger), cfg.Server.UserID, nil, logger)
	if err != nil {
		return err
	}
	pc := newPushClient(cfg, logger)

	if watchRecord || cfg.Journal.Enabled {
		j, err := openJournal(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer func() { _ = j.Close() }()
		pc.OnEnvelope(j.Recorder(ctx, sess.ID(), logger))
	}
	sess.Attach(pc)

	config.Watch(func(c *config.Config) {
		logger.SetLevel(c.Logging.Level)
	}, func(err error) {
		logger.Warn("ignoring invalid config change", "error", err.Error())
	})

	p := newPrinter(cmd.OutOrStdout())
	unfollow := follow(sess, p)
	defer unfollow()

	sess.Start(ctx)
	defer sess.Close()

	unmount := sess.MountPaths()
	defer unmount()
	if watchThreadID != "" {
		sess.OpenThread(watchThreadID)
	}
	if watchJobID != "" {
		sess.WatchJob(watchJobID)
	}

	logger.Info("watching", "paths", true, "thread_id", watchThreadID, "job_id", watchJobID)
	if err := pc.Run(ctx); err != nil && !errors.Is(err, errors.ErrChannelClosed) {
		return err
	}
	return nil
}

// follow prints every collection change and notice of sess. The returned
// func detaches all listeners.
func follow(sess *engine.Session, p *printer) func() {
	var detach []func()

	detach = append(detach, sess.Paths().Subscribe(func(paths []*model.Path) {
		for _, path := range paths {
			p.changed("path:"+path.ID, p.pathLine(path))
		}
	}))
	detach = append(detach, sess.Messages().Subscribe(func(msgs []*model.ChatMessage) {
		for _, m := range msgs {
			p.changed("message:"+m.ID, p.messageLine(m))
		}
	}))
	detach = append(detach, sess.Activity().View().Subscribe(func(v activity.View) {
		if v.Empty() {
			return
		}
		for i, line := range p.stageLines(v) {
			p.changed("stage:"+v.Stages[i].Name, line)
		}
	}))

	id := sess.Bus().SubscribeAll(func(e event.Event) {
		if line := p.eventLine(e); line != "" {
			p.println(line)
		}
	})
	detach = append(detach, func() { sess.Bus().Unsubscribe(id) })

	return func() {
		for _, fn := range detach {
			fn()
		}
	}
}
