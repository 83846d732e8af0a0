package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"chatrelay/pkg/config"

	"github.com/spf13/cobra"
)

var initForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatrelay configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		path, err := starterPath()
		if err != nil {
			return err
		}

		if err := config.WriteStarter(path, initForce); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the active config",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		env, err := loadRuntime("cmd.config")
		if err != nil {
			return err
		}
		defer env.Close()

		source := env.cfg.Path
		if source == "" {
			source = "defaults"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok (%s, profile %s, sessions %s)\n", source, env.paths.Label, env.paths.SessionStore)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	configInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")
}

// starterPath is --config when given, else the profile file in the home dir.
func starterPath() (string, error) {
	if value := strings.TrimSpace(configPath); value != "" {
		return value, nil
	}

	profile, err := config.NormalizeProfile(profileName)
	if err != nil {
		return "", err
	}

	home := strings.TrimSpace(homeDir)
	if home == "" {
		home, err = config.DefaultHome()
		if err != nil {
			return "", err
		}
	}

	name := "chatrelay.yaml"
	if profile != "" {
		name = "chatrelay." + profile + ".yaml"
	}
	return filepath.Join(home, name), nil
}
