package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	bqstore "github.com/ST33ZEmachine/printshop/pkg/store/bigquery"
)

var setupTablesCmd = &cobra.Command{
	Use:   "setup-tables",
	Short: "Create the BigQuery tables the pipeline writes to",
	Long: "Creates the audit, projection, line-item and retry-queue tables in " +
		"BIGQUERY_PROJECT.BIGQUERY_DATASET. Existing tables are left untouched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		project := os.Getenv("BIGQUERY_PROJECT")
		if project == "" {
			return fmt.Errorf("BIGQUERY_PROJECT is required")
		}
		dataset := os.Getenv("BIGQUERY_DATASET")
		if dataset == "" {
			dataset = "trello_orders"
		}

		ctx := context.Background()
		st, err := bqstore.NewStore(ctx, bqstore.Config{ProjectID: project, Dataset: dataset})
		if err != nil {
			return err
		}
		defer func() {
			if err := st.Close(); err != nil {
				slog.Error("Error closing BigQuery client", "error", err)
			}
		}()

		if err := st.CreateTables(ctx); err != nil {
			return err
		}
		fmt.Printf("Tables ready in %s.%s\n", project, dataset)
		return nil
	},
}
