package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	profileName string
	homeDir     string
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Relay chat messages to a reply command",
	Long: "chatrelay receives chat messages from Telegram, Discord or a webhook, runs a configured " +
		"reply command or text template with per-sender session continuity, and sends the answer back.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.chatrelay/chatrelay.yaml)")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "profile name; isolates config, sessions and media")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "chatrelay home directory (default $CHATRELAY_HOME or ~/.chatrelay)")
}

// runtimeEnv is the loaded configuration plus process logger for one command.
type runtimeEnv struct {
	cfg      *config.Config
	paths    config.Paths
	log      *slog.Logger
	closeLog func() error
}

func loadRuntime(component string) (*runtimeEnv, error) {
	profile, err := config.NormalizeProfile(profileName)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(config.LoadOptions{Path: configPath, Home: homeDir, Profile: profile})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	paths, err := config.ResolvePaths(homeDir, profile)
	if err != nil {
		return nil, err
	}
	paths = paths.WithSessionStore(cfg.Session.Store)

	appLogger, closeLog, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return &runtimeEnv{
		cfg:      cfg,
		paths:    paths,
		log:      appLogger.With("component", component),
		closeLog: closeLog,
	}, nil
}

func (e *runtimeEnv) Close() {
	if e == nil || e.closeLog == nil {
		return
	}
	_ = e.closeLog()
}
