// Package bigquery implements store.Store against a BigQuery dataset.
//
// The warehouse has no native UPSERT and recently streamed rows cannot be
// touched by DML until they leave the streaming buffer. Append-only tables
// therefore use streaming inserts, mutable projections use parameterized
// MERGE statements, and any DML rejected by the streaming buffer surfaces as
// store.ErrDeferred so the caller can queue the operation for retry.
package bigquery

import (
	"context"
	"fmt"
	"time"

	bq "cloud.google.com/go/bigquery"
)

// Table names within the dataset.
const (
	tableEvents           = "webhook_events"
	tableCardsMaster      = "cards_master"
	tableCardsCurrent     = "cards_current"
	tableLineItemsMaster  = "line_items_master"
	tableLineItemsCurrent = "line_items_current"
	tablePending          = "pending_updates"
)

// Config locates the dataset.
type Config struct {
	ProjectID string
	Dataset   string
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("bigquery: project id is required")
	}
	if c.Dataset == "" {
		return fmt.Errorf("bigquery: dataset is required")
	}
	return nil
}

// Store is the BigQuery-backed store adapter.
type Store struct {
	client  *bq.Client
	project string
	dataset string
}

// NewStore connects a store adapter to the configured dataset.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := bq.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	return &Store{
		client:  client,
		project: cfg.ProjectID,
		dataset: cfg.Dataset,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// tableRef returns the fully qualified `project.dataset.table` reference for
// use inside SQL text.
func (s *Store) tableRef(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.project, s.dataset, table)
}

// inserter returns the streaming inserter for a table.
func (s *Store) inserter(table string) *bq.Inserter {
	return s.client.Dataset(s.dataset).Table(table).Inserter()
}

// runDML executes a DML statement and returns the affected row count.
func (s *Store) runDML(ctx context.Context, sql string, params []bq.QueryParameter) (int64, error) {
	q := s.client.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return 0, err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if err := status.Err(); err != nil {
		return 0, err
	}
	if stats, ok := job.LastStatus().Statistics.Details.(*bq.QueryStatistics); ok {
		return stats.NumDMLAffectedRows, nil
	}
	return 0, nil
}

// nowUTC returns the current time in UTC at millisecond resolution, the
// granularity every timestamp column in the dataset carries.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
