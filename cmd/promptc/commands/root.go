// Package commands implements the promptc subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "promptc",
		Short: "Render prompt templates within a token budget",
		Long: `promptc lays out declarative prompt templates, prunes the lowest
priority content until the prompt fits the model's budget, and prints the
resulting messages.

Examples:
  promptc render -t chat --set question="What changed?"
  promptc render -t review -m openai/gpt-4o --save
  promptc count README.md
  promptc watch -t chat
  promptc replay list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newRenderCmd(),
		newCountCmd(),
		newWatchCmd(),
		newReplayCmd(),
		newHistoryCmd(),
	)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
