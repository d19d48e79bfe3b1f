package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkfold/docket/cmd/docket/commands"
	"github.com/inkfold/docket/logger"
)

var rootCmd = &cobra.Command{
	Use:   "docket",
	Short: "docket - Asynchronous document extraction coordinator",
	Long: `docket - Asynchronous document extraction coordination service.

docket accepts document submissions, deduplicates identical content, caches
extraction results permanently, and streams job status to live subscribers.

Available commands:
  serve - Start the coordination service
  db    - Manage the docket database

Examples:
  docket serve                     # Start with default config
  docket serve --config conf.toml  # Start with an explicit config file
  docket db migrate                # Apply pending schema migrations
  docket db stats                  # Show job counts by status`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(commands.JSONLogsFlag); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPathFlag, "config", "", "Path to config file (TOML)")
	rootCmd.PersistentFlags().BoolVar(&commands.JSONLogsFlag, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
