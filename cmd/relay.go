package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/heartbeat"
	"chatrelay/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var relayHeartbeat bool

var relayCmd = &cobra.Command{
	Use:     "relay",
	Aliases: []string{"gateway"},
	Short:   "Run the relay with every enabled channel",
	Long:    "Runs chatrelay as a long-lived gateway for the enabled channels, with heartbeats and health, readiness and metrics endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		env, err := loadRuntime("cmd.relay")
		if err != nil {
			return err
		}
		defer env.Close()
		log := env.log

		eng, err := newEngine(env.cfg, env.paths, log)
		if err != nil {
			return err
		}

		adapters, err := enabledAdapters(env.cfg, eng.media, log)
		if err != nil {
			log.Error("Relay configuration invalid", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events := bus.NewBus()
		defer events.Close()

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		var scheduler *heartbeat.Scheduler
		if relayHeartbeat {
			if interval := heartbeat.ResolveInterval(0, env.cfg.Heartbeat); interval > 0 {
				sender, err := heartbeatSender(env.cfg, adapters)
				if err != nil {
					return err
				}
				scheduler, err = heartbeat.New(heartbeat.Options{
					Config:           env.cfg.Heartbeat,
					Interval:         interval,
					Profile:          env.paths.Label,
					AssistantLabel:   env.cfg.Channels.Discord.AssistantLabel,
					AssistantPersona: env.cfg.Channels.Discord.AssistantPersona,
					Resolver:         eng.resolver,
					Sender:           sender,
					Sessions:         eng.sessions,
					Bus:              events,
					Logger:           log,
				})
				if err != nil {
					return fmt.Errorf("configure heartbeat: %w", err)
				}
			}
		}

		svc, err := gateway.NewService(gateway.Options{
			Config:    env.cfg,
			Profile:   env.paths.Label,
			Resolver:  eng.resolver,
			Adapters:  adapters,
			Heartbeat: scheduler,
			Sessions:  eng.sessions,
			Bus:       events,
			Metrics:   metrics.MustNewMetrics(registry),
			Gatherer:  registry,
			Logger:    log,
		})
		if err != nil {
			log.Error("Failed to initialize relay service", "error", err)
			return err
		}

		log.Info("Relay started",
			"profile", env.paths.Label,
			"channels", enabledChannelNames(adapters),
			"reply_mode", env.cfg.Reply.Mode,
			"session_store", env.paths.SessionStore,
			"heartbeat", scheduler != nil,
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("Relay runtime failed", "error", err)
			return err
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().BoolVar(&relayHeartbeat, "heartbeat", true, "run the heartbeat scheduler when heartbeat.to is configured")
}
