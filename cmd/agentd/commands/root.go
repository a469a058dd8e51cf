// Package commands provides the CLI commands for agentd.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel   string
	prettyLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd - session broker for container-backed AI agent workers",
	Long: `agentd brokers sessions between remote clients and AI agent workers
running in containers. Each session owns one worker for its lifetime;
clients send prompts over HTTP and follow output by polling or over
Server-Sent Events.

Run 'agentd serve' to start the broker, or 'agentd keys' to manage API
credentials.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty-logs", false, "Human-readable console logs")

	// Version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentd %s (%s)\n", Version, BuildTime))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keysCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
