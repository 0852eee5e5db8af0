package bigquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

func eventsSchema() bq.Schema {
	return bq.Schema{
		{Name: "event_id", Type: bq.StringFieldType, Required: true},
		{Name: "action_type", Type: bq.StringFieldType},
		{Name: "action_date", Type: bq.TimestampFieldType},
		{Name: "card_id", Type: bq.StringFieldType, Required: true},
		{Name: "board_id", Type: bq.StringFieldType},
		{Name: "board_name", Type: bq.StringFieldType},
		{Name: "list_id", Type: bq.StringFieldType},
		{Name: "list_name", Type: bq.StringFieldType},
		{Name: "list_before_id", Type: bq.StringFieldType},
		{Name: "list_before_name", Type: bq.StringFieldType},
		{Name: "list_after_id", Type: bq.StringFieldType},
		{Name: "list_after_name", Type: bq.StringFieldType},
		{Name: "is_list_transition", Type: bq.BooleanFieldType},
		{Name: "member_creator_id", Type: bq.StringFieldType},
		{Name: "member_creator_username", Type: bq.StringFieldType},
		{Name: "raw_payload", Type: bq.JSONFieldType},
		{Name: "processed", Type: bq.BooleanFieldType},
		{Name: "processed_at", Type: bq.TimestampFieldType},
		{Name: "extraction_triggered", Type: bq.BooleanFieldType},
		{Name: "error_message", Type: bq.StringFieldType},
		{Name: "created_at", Type: bq.TimestampFieldType, Required: true},
	}
}

func cardFieldsSchema() bq.Schema {
	return bq.Schema{
		{Name: "card_id", Type: bq.StringFieldType, Required: true},
		{Name: "name", Type: bq.StringFieldType},
		{Name: "desc", Type: bq.StringFieldType},
		{Name: "labels", Type: bq.StringFieldType},
		{Name: "closed", Type: bq.BooleanFieldType},
		{Name: "date_last_activity", Type: bq.TimestampFieldType},
		{Name: "purchaser", Type: bq.StringFieldType},
		{Name: "order_summary", Type: bq.StringFieldType},
		{Name: "primary_buyer_name", Type: bq.StringFieldType},
		{Name: "primary_buyer_email", Type: bq.StringFieldType},
		{Name: "date_created", Type: bq.DateFieldType},
		{Name: "datetime_created", Type: bq.TimestampFieldType},
		{Name: "year_created", Type: bq.IntegerFieldType},
		{Name: "month_created", Type: bq.IntegerFieldType},
		{Name: "year_month", Type: bq.StringFieldType},
		{Name: "unix_timestamp", Type: bq.IntegerFieldType},
		{Name: "line_item_count", Type: bq.IntegerFieldType},
		{Name: "list_id", Type: bq.StringFieldType},
		{Name: "list_name", Type: bq.StringFieldType},
		{Name: "board_id", Type: bq.StringFieldType},
		{Name: "board_name", Type: bq.StringFieldType},
	}
}

func cardsMasterSchema() bq.Schema {
	return append(cardFieldsSchema(),
		&bq.FieldSchema{Name: "first_extracted_at", Type: bq.TimestampFieldType},
		&bq.FieldSchema{Name: "first_extraction_event_id", Type: bq.StringFieldType},
	)
}

func cardsCurrentSchema() bq.Schema {
	return append(cardFieldsSchema(),
		&bq.FieldSchema{Name: "last_updated_at", Type: bq.TimestampFieldType},
		&bq.FieldSchema{Name: "last_extracted_at", Type: bq.TimestampFieldType},
		&bq.FieldSchema{Name: "last_extraction_event_id", Type: bq.StringFieldType},
		&bq.FieldSchema{Name: "last_event_type", Type: bq.StringFieldType},
	)
}

func lineItemsSchema() bq.Schema {
	return bq.Schema{
		{Name: "card_id", Type: bq.StringFieldType, Required: true},
		{Name: "line_index", Type: bq.IntegerFieldType, Required: true},
		{Name: "quantity", Type: bq.IntegerFieldType},
		{Name: "raw_price", Type: bq.FloatFieldType},
		{Name: "price_kind", Type: bq.StringFieldType},
		{Name: "unit_price", Type: bq.FloatFieldType},
		{Name: "total_revenue", Type: bq.FloatFieldType},
		{Name: "description", Type: bq.StringFieldType},
		{Name: "business_line", Type: bq.StringFieldType},
		{Name: "material", Type: bq.StringFieldType},
		{Name: "dimensions", Type: bq.StringFieldType},
	}
}

func pendingSchema() bq.Schema {
	return bq.Schema{
		{Name: "update_id", Type: bq.StringFieldType, Required: true},
		{Name: "operation_kind", Type: bq.StringFieldType, Required: true},
		{Name: "target_table", Type: bq.StringFieldType},
		{Name: "event_id", Type: bq.StringFieldType},
		{Name: "payload", Type: bq.JSONFieldType},
		{Name: "retry_count", Type: bq.IntegerFieldType},
		{Name: "first_queued_at", Type: bq.TimestampFieldType},
		{Name: "last_retry_at", Type: bq.TimestampFieldType},
		{Name: "next_retry_at", Type: bq.TimestampFieldType},
		{Name: "status", Type: bq.StringFieldType},
		{Name: "error_message", Type: bq.StringFieldType},
		{Name: "completed_at", Type: bq.TimestampFieldType},
		{Name: "created_at", Type: bq.TimestampFieldType, Required: true},
	}
}

// CreateTables creates the five pipeline tables, skipping any that already
// exist. Events and pending updates are day-partitioned on ingest time and
// clustered for the access paths the pipeline uses.
func (s *Store) CreateTables(ctx context.Context) error {
	tables := []struct {
		name string
		meta *bq.TableMetadata
	}{
		{tableEvents, &bq.TableMetadata{
			Schema: eventsSchema(),
			TimePartitioning: &bq.TimePartitioning{
				Type:  bq.DayPartitioningType,
				Field: "created_at",
			},
			Clustering: &bq.Clustering{
				Fields: []string{"card_id", "action_type", "is_list_transition"},
			},
		}},
		{tableCardsMaster, &bq.TableMetadata{Schema: cardsMasterSchema()}},
		{tableCardsCurrent, &bq.TableMetadata{
			Schema:     cardsCurrentSchema(),
			Clustering: &bq.Clustering{Fields: []string{"card_id"}},
		}},
		{tableLineItemsMaster, &bq.TableMetadata{Schema: lineItemsSchema()}},
		{tableLineItemsCurrent, &bq.TableMetadata{
			Schema:     lineItemsSchema(),
			Clustering: &bq.Clustering{Fields: []string{"card_id"}},
		}},
		{tablePending, &bq.TableMetadata{
			Schema: pendingSchema(),
			TimePartitioning: &bq.TimePartitioning{
				Type:  bq.DayPartitioningType,
				Field: "created_at",
			},
			Clustering: &bq.Clustering{
				Fields: []string{"status", "next_retry_at", "operation_kind"},
			},
		}},
	}

	ds := s.client.Dataset(s.dataset)
	for _, t := range tables {
		err := ds.Table(t.name).Create(ctx, t.meta)
		if err == nil {
			slog.Info("Created table", "table", t.name, "dataset", s.dataset)
			continue
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 409 {
			slog.Info("Table already exists", "table", t.name, "dataset", s.dataset)
			continue
		}
		return fmt.Errorf("create table %s: %w", t.name, err)
	}
	return nil
}
