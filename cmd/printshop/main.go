// printshop ingests Trello webhook notifications, maintains an append-only
// audit trail plus current-state projections in BigQuery, and extracts order
// line items with an LLM.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "printshop",
	Short: "Trello webhook ingestion and order extraction service",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envFile, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envFile)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to the .env file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(webhooksCmd)
	rootCmd.AddCommand(boardsCmd)
	rootCmd.AddCommand(setupTablesCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
