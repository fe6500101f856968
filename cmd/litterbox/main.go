package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Gerharddc/litterbox/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "litterbox",
		Short: "SSH keys for sandboxes, one approved signature at a time",
		Long: `litterbox keeps SSH private keys encrypted on the host and serves them to
sandboxes through per-sandbox SSH agents. Keys never enter a sandbox: every
signature is performed on the host after a human approves it.

Typical flow:
  litterbox init
  litterbox keys generate github
  litterbox keys attach github my-sandbox
  litterbox agent my-sandbox        # expose SSH_AUTH_SOCK to the sandbox
  litterbox monitor                 # approve requests in another terminal`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(version.String() + "\n")

	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newPasswordCmd())
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
