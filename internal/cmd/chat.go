package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/pathwatch/internal/engine"
	"github.com/Iron-Ham/pathwatch/internal/errors"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Read and post chat thread messages",
}

var chatShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print a thread's messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatShow,
}

var chatSendCmd = &cobra.Command{
	Use:   "send <thread-id> [message]",
	Short: "Post a message to a thread",
	Long: `Post a message to a thread. Without a message argument the text is
read from standard input.

Examples:
  pathwatch chat send t1 "Explain eigenvalues again"
  echo "Summarize this unit" | pathwatch chat send t1`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runChatSend,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatShowCmd)
	chatCmd.AddCommand(chatSendCmd)
}

func runChatShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *engine.Session) error {
		s.OpenThread(args[0])
		s.Wait()

		p := newPrinter(cmd.OutOrStdout())
		title := s.Thread().Snapshot().Title
		if title == "" {
			title = args[0]
		}
		p.heading(title)
		for _, m := range s.Messages().Snapshot() {
			p.println(p.messageLine(m))
		}
		return nil
	})
}

func runChatSend(cmd *cobra.Command, args []string) error {
	var content string
	if len(args) == 2 {
		content = args[1]
	} else {
		text, err := readMessage(cmd.InOrStdin())
		if err != nil {
			return err
		}
		content = text
	}

	return withSession(cmd, func(ctx context.Context, s *engine.Session) error {
		s.OpenThread(args[0])
		s.Wait()

		res, err := s.SendMessage(ctx, content)
		if err != nil {
			if banner := errors.SendFailureBanner(err); banner != "" && !errors.Is(err, errors.ErrInvalidInput) {
				fmt.Fprintln(cmd.ErrOrStderr(), banner)
			}
			return err
		}

		p := newPrinter(cmd.OutOrStdout())
		if res.UserMessage != nil {
			p.println(p.messageLine(res.UserMessage))
		}
		if res.AssistantMessage != nil {
			p.println(p.messageLine(res.AssistantMessage))
		}
		return nil
	})
}

// readMessage reads message text from r. An interactive terminal is not
// read from; the message must then be given as an argument.
func readMessage(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", errors.NewValidationError("message text required").WithField("message")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.NewValidationError("message cannot be empty").WithField("message")
	}
	return text, nil
}
