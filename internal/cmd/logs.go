package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pathwatch/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View debug logs",
	Long: `View and filter the debug log, including rotated backups.

Examples:
  # Show the last 50 entries
  pathwatch logs

  # Everything about one job from the last hour
  pathwatch logs --job j1 --since 1h -n 0

  # Push channel warnings as CSV
  pathwatch logs --component push --level warn --format csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsDir       string
	logsTail      int
	logsLevel     string
	logsSince     time.Duration
	logsJobID     string
	logsThreadID  string
	logsComponent string
	logsGrep      string
	logsFormat    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsDir, "dir", "", "Log directory (default: logging.dir)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsJobID, "job", "", "Only entries for this job")
	logsCmd.Flags().StringVar(&logsThreadID, "thread", "", "Only entries for this thread")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Only entries from this component (engine, push, api, converge, journal)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format: text, json or csv")
}

func runLogs(cmd *cobra.Command, args []string) error {
	dir := logsDir
	if dir == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir = cfg.LogDir()
	}

	entries, err := logging.ReadLogs(dir)
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}

	filter := logging.LogFilter{
		Level:           logsLevel,
		JobID:           logsJobID,
		ThreadID:        logsThreadID,
		Component:       logsComponent,
		MessageContains: logsGrep,
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}
	entries = logging.FilterLogs(entries, filter)

	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	return logging.WriteEntries(cmd.OutOrStdout(), entries, logsFormat)
}
