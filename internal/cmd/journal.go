package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pathwatch/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect and prune the push envelope journal",
}

var journalSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJournalSessions,
}

var journalShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the envelopes recorded for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalShow,
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete envelopes older than a cutoff",
	Args:  cobra.NoArgs,
	RunE:  runJournalPrune,
}

var (
	journalPath      string
	journalEvent     string
	journalOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalSessionsCmd)
	journalCmd.AddCommand(journalShowCmd)
	journalCmd.AddCommand(journalPruneCmd)

	journalCmd.PersistentFlags().StringVar(&journalPath, "journal", "", "Journal database (default: journal.path)")
	journalShowCmd.Flags().StringVar(&journalEvent, "event", "", "Only show envelopes with this event name")
	journalPruneCmd.Flags().DurationVar(&journalOlderThan, "older-than", 30*24*time.Hour, "Delete envelopes received before now minus this duration")
}

func withJournal(cmd *cobra.Command, fn func(j *journal.Journal) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openJournal(cmd.Context(), cfg, journalPath)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()
	return fn(j)
}

func runJournalSessions(cmd *cobra.Command, args []string) error {
	return withJournal(cmd, func(j *journal.Journal) error {
		sessions, err := j.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		p := newPrinter(cmd.OutOrStdout())
		if len(sessions) == 0 {
			p.println(p.muted.Render("No recorded sessions."))
			return nil
		}
		for _, s := range sessions {
			p.println(fmt.Sprintf("%s  %4d envelopes  %s .. %s",
				s.ID, s.Count, s.First.Local().Format(time.DateTime), s.Last.Local().Format(time.DateTime)))
		}
		return nil
	})
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	return withJournal(cmd, func(j *journal.Journal) error {
		p := newPrinter(cmd.OutOrStdout())
		f := journal.Filter{SessionID: args[0], Event: journalEvent}
		return j.Replay(cmd.Context(), f, func(e journal.Entry) error {
			p.println(fmt.Sprintf("%5d %s %s %s",
				e.Seq, p.muted.Render(e.ReceivedAt.Local().Format("15:04:05.000")), e.Envelope.Event, e.Envelope.Channel))
			return nil
		})
	})
}

func runJournalPrune(cmd *cobra.Command, args []string) error {
	return withJournal(cmd, func(j *journal.Journal) error {
		n, err := j.Prune(cmd.Context(), time.Now().Add(-journalOlderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d envelopes.\n", n)
		return nil
	})
}
