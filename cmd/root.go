// Package cmd wires the CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "almanac",
	Short: "Almanac indexes your notes and answers questions from them",
	Long: `Almanac keeps a local retrieval index in sync with your content
source, recalls durable facts it has learned about you, and answers
questions grounded in both, with citations back to the source pages.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
