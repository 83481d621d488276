package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "automation",
	Short: "CRM automation and qualification engine",
	Long:  `Runs the rule-based automation engine: the HTTP API for rules, events, and lead qualification, and the background worker that processes domain events.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
