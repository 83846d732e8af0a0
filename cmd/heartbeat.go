package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/pkg/heartbeat"

	"github.com/spf13/cobra"
)

var (
	heartbeatTo       string
	heartbeatProvider string
	heartbeatMessage  string
	heartbeatDryRun   bool
	heartbeatLoop     bool
	heartbeatInterval time.Duration
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Run one heartbeat now, or keep running them on an interval",
	Long: "Sends the heartbeat prompt through the reply pipeline and delivers the answer to heartbeat.to. " +
		"A reply consisting only of HEARTBEAT_OK is not sent. --message sends a literal message instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		env, err := loadRuntime("cmd.heartbeat")
		if err != nil {
			return err
		}
		defer env.Close()

		applyHeartbeatFlags(cmd, env)

		eng, err := newEngine(env.cfg, env.paths, env.log)
		if err != nil {
			return err
		}

		adapters, err := enabledAdapters(env.cfg, eng.media, env.log)
		if err != nil {
			return err
		}
		sender, err := heartbeatSender(env.cfg, adapters)
		if err != nil {
			return err
		}

		scheduler, err := heartbeat.New(heartbeat.Options{
			Config:           env.cfg.Heartbeat,
			Interval:         heartbeat.ResolveInterval(heartbeatInterval, env.cfg.Heartbeat),
			Profile:          env.paths.Label,
			AssistantLabel:   env.cfg.Channels.Discord.AssistantLabel,
			AssistantPersona: env.cfg.Channels.Discord.AssistantPersona,
			Resolver:         eng.resolver,
			Sender:           sender,
			Sessions:         eng.sessions,
			Logger:           env.log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cmd.Flags().Changed("message") {
			return scheduler.SendManual(ctx, heartbeatMessage)
		}

		if heartbeatLoop {
			return scheduler.Run(ctx)
		}

		result := scheduler.Tick(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), describeTick(result))
		if result.Outcome == heartbeat.OutcomeFailed {
			return errors.Join(errors.New("heartbeat failed"), result.Err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(heartbeatCmd)
	heartbeatCmd.Flags().StringVar(&heartbeatTo, "to", "", "recipient, overrides heartbeat.to")
	heartbeatCmd.Flags().StringVar(&heartbeatProvider, "provider", "", "telegram or discord, overrides heartbeat.provider")
	heartbeatCmd.Flags().StringVarP(&heartbeatMessage, "message", "m", "", "send this literal message instead of asking the reply command")
	heartbeatCmd.Flags().BoolVar(&heartbeatDryRun, "dry-run", false, "resolve and log the heartbeat without sending it")
	heartbeatCmd.Flags().BoolVar(&heartbeatLoop, "loop", false, "keep running heartbeats on the interval")
	heartbeatCmd.Flags().DurationVar(&heartbeatInterval, "interval", 0, "override the heartbeat interval, for example 30s")
}

func applyHeartbeatFlags(cmd *cobra.Command, env *runtimeEnv) {
	if value := strings.TrimSpace(heartbeatTo); value != "" {
		env.cfg.Heartbeat.To = value
	}
	if value := strings.TrimSpace(heartbeatProvider); value != "" {
		env.cfg.Heartbeat.Provider = value
	}
	if cmd.Flags().Changed("dry-run") {
		env.cfg.Heartbeat.DryRun = heartbeatDryRun
	}
}

func describeTick(result heartbeat.TickResult) string {
	switch result.Outcome {
	case heartbeat.OutcomeSkipped:
		return "heartbeat skipped: " + result.SkipReason
	case heartbeat.OutcomeFailed:
		return fmt.Sprintf("heartbeat failed: %v", result.Err)
	case heartbeat.OutcomeDryRun:
		return "heartbeat dry run: " + strings.TrimSpace(result.Payload.Text)
	default:
		return "heartbeat sent"
	}
}
