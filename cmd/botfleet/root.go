package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "botfleet",
	Short: "botfleet runs a fleet of chat bots with hot-loadable plugins",
	Long: `botfleet runs many independently addressable chat bots, each reachable by
webhook or long polling. Inbound messages are routed through a prioritized
handler chain (templates, plugins, AI) and scheduled messages are delivered
through the bot's active connection.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(pluginCmd)
	rootCmd.AddCommand(versionCmd)
}
