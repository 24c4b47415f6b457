package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pathwatch/internal/activity"
	"github.com/Iron-Ham/pathwatch/internal/engine"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect, cancel or restart background jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its stage breakdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *engine.Session) error {
			if err := s.CancelJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s\n", args[0])
			return nil
		})
	},
}

var jobRestartCmd = &cobra.Command{
	Use:   "restart <job-id>",
	Short: "Restart a failed or canceled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *engine.Session) error {
			if err := s.RestartJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restart requested for %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobRestartCmd)
}

// withSession runs fn against a started session on the live API.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *engine.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	sess, err := newSession(cfg, newAPIClient(cfg, logger), cfg.Server.UserID, nil, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sess.Start(ctx)
	defer sess.Close()
	return fn(ctx, sess)
}

func runJobShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	job, err := newAPIClient(cfg, logger).GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	v := activity.BuildView(job)
	p.heading(fmt.Sprintf("%s (%s)", job.ID, job.Type))
	p.println("Status: " + p.status(string(job.Status)))
	if v.CurrentLabel != "" {
		stage := v.CurrentLabel
		if v.Qualifier != "" {
			stage += " " + v.Qualifier
		}
		p.println("Stage:  " + stage)
	}
	if job.Progress > 0 {
		p.println(fmt.Sprintf("Progress: %d%%", job.Progress))
	}
	if job.Error != "" {
		p.println("Error:  " + p.failure.Render(job.Error))
	}
	for _, line := range p.stageLines(v) {
		p.println("  " + line)
	}
	return nil
}
