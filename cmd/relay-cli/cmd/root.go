package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay-cli",
	Short: "Relay CLI tool",
	Long: `Relay CLI is a command-line interface for the Relay chat server.

Available commands:
  chat    Connect to a room and chat interactively

Use "relay-cli [command] --help" for more information about a specific command.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
