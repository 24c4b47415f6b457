package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pathwatch/internal/engine"
)

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "List learning paths, including builds still in progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *engine.Session) error {
			s.LoadPaths()
			s.Wait()
			printPaths(cmd, s)
			return nil
		})
	},
}

var pathsActivateCmd = &cobra.Command{
	Use:   "activate <path-id>",
	Short: "Make a path the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *engine.Session) error {
			s.LoadPaths()
			s.Wait()
			if err := s.ActivatePath(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Activated %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(pathsCmd)
	pathsCmd.AddCommand(pathsActivateCmd)
}

func printPaths(cmd *cobra.Command, s *engine.Session) {
	p := newPrinter(cmd.OutOrStdout())
	paths := s.Paths().Snapshot()
	if len(paths) == 0 {
		p.println(p.muted.Render("No paths yet."))
		return
	}
	for _, path := range paths {
		p.println(p.pathLine(path))
	}
}
