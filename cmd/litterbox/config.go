package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/Gerharddc/litterbox/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `View and manage litterbox configuration.

Configuration file location: ~/.config/litterbox/config.toml
(or $XDG_CONFIG_HOME/litterbox/config.toml)`,
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.ConfigPath()
			}
			return showConfig(cmd.OutOrStdout(), path, cfg)
		},
	}
}

// showConfig prints the resolved paths followed by cfg as TOML. Receiver
// header values are redacted since they usually carry credentials.
func showConfig(w io.Writer, path string, cfg *config.Config) error {
	fmt.Fprintf(w, "# Config file:    %s\n", path)
	fmt.Fprintf(w, "# Vault:          %s\n", cfg.VaultPath())
	fmt.Fprintf(w, "# Agent sockets:  %s\n", cfg.SocketDir())
	fmt.Fprintf(w, "# Approval:       %s\n", cfg.ApprovalSocket())
	fmt.Fprintf(w, "# Log file:       %s\n\n", cfg.LogFile())

	shown := *cfg
	shown.Logging.Receivers = make([]config.ReceiverConfig, len(cfg.Logging.Receivers))
	for i, r := range cfg.Logging.Receivers {
		if len(r.Headers) > 0 {
			headers := make(map[string]string, len(r.Headers))
			for k := range r.Headers {
				headers[k] = "<redacted>"
			}
			r.Headers = headers
		}
		shown.Logging.Receivers[i] = r
	}

	return toml.NewEncoder(w).Encode(&shown)
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath())
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := config.ConfigPath()
			if configPath == "" {
				return fmt.Errorf("cannot determine the configuration directory")
			}

			if !force {
				if _, err := os.Stat(configPath); err == nil {
					return fmt.Errorf("config file already exists at %s\nUse --force to overwrite", configPath)
				}
			}

			if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}

			if err := os.WriteFile(configPath, []byte(config.GenerateDefault()), 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing config file")

	return cmd
}
