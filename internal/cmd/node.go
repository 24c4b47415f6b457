package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pathwatch/internal/engine"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Work with a path node's document",
}

var nodePatchCmd = &cobra.Command{
	Use:   "patch <node-id> <block-id>",
	Short: "Ask the backend to rewrite one block of a node document",
	Args:  cobra.ExactArgs(2),
	RunE:  runNodePatch,
}

var (
	nodePatchAction      string
	nodePatchInstruction string
)

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(nodePatchCmd)

	nodePatchCmd.Flags().StringVar(&nodePatchAction, "action", "rewrite", "Patch action (rewrite, expand, simplify)")
	nodePatchCmd.Flags().StringVar(&nodePatchInstruction, "instruction", "", "Free-form instruction for the rewrite")
}

func runNodePatch(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *engine.Session) error {
		job, err := s.PatchBlock(ctx, args[0], model.BlockPatch{
			BlockID:     args[1],
			Action:      nodePatchAction,
			Instruction: nodePatchInstruction,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Patch job %s queued\n", job.ID)
		if pending := s.PendingBlocks(args[0]); len(pending) > 0 {
			fmt.Fprintf(out, "Pending blocks: %s\n", strings.Join(pending, ", "))
		}
		return nil
	})
}
