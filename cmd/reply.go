package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/reply"

	"github.com/spf13/cobra"
)

var (
	replyMessage  string
	replyFrom     string
	replyProvider string
)

var replyCmd = &cobra.Command{
	Use:   "reply [message]",
	Short: "Resolve one message locally, or chat with the reply pipeline",
	Long:  "Runs a message through the configured reply pipeline as if it arrived from --from and prints the reply. Without a message it reads lines from stdin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadRuntime("cmd.reply")
		if err != nil {
			return err
		}
		defer env.Close()

		eng, err := newEngine(env.cfg, env.paths, env.log)
		if err != nil {
			return err
		}

		base := bus.MsgContext{
			From:             strings.TrimSpace(replyFrom),
			Provider:         strings.TrimSpace(replyProvider),
			AssistantProfile: env.paths.Label,
		}

		if message := resolveMessage(args); message != "" {
			return resolveOnce(cmd.Context(), eng.resolver, base, message, cmd.OutOrStdout())
		}

		runInteractive(cmd.Context(), eng.resolver, base, cmd.InOrStdin(), cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replyCmd)
	replyCmd.Flags().StringVarP(&replyMessage, "message", "m", "", "message body to resolve")
	replyCmd.Flags().StringVar(&replyFrom, "from", "local", "sender identity used for the session key")
	replyCmd.Flags().StringVar(&replyProvider, "provider", "cli", "provider name exposed to templates")
}

// resolver is the part of *reply.Resolver the command needs.
type resolver interface {
	Resolve(ctx context.Context, msg bus.MsgContext, hooks reply.Hooks) (reply.Result, error)
}

func resolveMessage(args []string) string {
	if value := strings.TrimSpace(replyMessage); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func resolveOnce(ctx context.Context, r resolver, base bus.MsgContext, body string, out io.Writer) error {
	msg := base
	msg.Body = body

	result, err := r.Resolve(ctx, msg, reply.Hooks{})
	if err != nil {
		return fmt.Errorf("reply failed: %w", err)
	}

	printResult(out, result)
	return nil
}

func runInteractive(ctx context.Context, r resolver, base bus.MsgContext, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Fprintf(out, "input error: %v\n", err)
			}
			return
		}

		body := strings.TrimSpace(scanner.Text())
		if body == "" {
			continue
		}
		if isExitCommand(body) {
			return
		}

		if err := resolveOnce(ctx, r, base, body, out); err != nil {
			fmt.Fprintln(out, err)
		}
	}
}

func printResult(out io.Writer, result reply.Result) {
	if result.Kind == reply.KindSuppressed {
		fmt.Fprintln(out, "(suppressed: "+reply.HeartbeatToken+")")
		return
	}

	lines := replyLines(result.Payload.Text)
	for _, line := range lines {
		fmt.Fprintf(out, "< %s\n", line)
	}
	for _, ref := range result.Payload.Media() {
		fmt.Fprintf(out, "< [media] %s\n", ref)
	}
	if len(lines) == 0 && !result.Payload.HasMedia() {
		fmt.Fprintln(out, "(no reply)")
	}
}

func replyLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
