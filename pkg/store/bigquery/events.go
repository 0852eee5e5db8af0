package bigquery

import (
	"context"
	"fmt"
	"time"

	bq "cloud.google.com/go/bigquery"
	"github.com/ST33ZEmachine/printshop/pkg/models"
	"github.com/ST33ZEmachine/printshop/pkg/store"
	"google.golang.org/api/iterator"
)

// eventRow mirrors the webhook_events schema for streaming inserts and reads.
type eventRow struct {
	EventID    string     `bigquery:"event_id"`
	ActionType string     `bigquery:"action_type"`
	ActionDate *time.Time `bigquery:"action_date"`
	CardID     string     `bigquery:"card_id"`

	BoardID   string `bigquery:"board_id"`
	BoardName string `bigquery:"board_name"`

	ListID         string `bigquery:"list_id"`
	ListName       string `bigquery:"list_name"`
	ListBeforeID   string `bigquery:"list_before_id"`
	ListBeforeName string `bigquery:"list_before_name"`
	ListAfterID    string `bigquery:"list_after_id"`
	ListAfterName  string `bigquery:"list_after_name"`

	IsListTransition bool `bigquery:"is_list_transition"`

	MemberCreatorID       string `bigquery:"member_creator_id"`
	MemberCreatorUsername string `bigquery:"member_creator_username"`

	RawPayload string `bigquery:"raw_payload"`

	Processed           bool       `bigquery:"processed"`
	ProcessedAt         *time.Time `bigquery:"processed_at"`
	ExtractionTriggered bool       `bigquery:"extraction_triggered"`
	ErrorMessage        string     `bigquery:"error_message"`

	CreatedAt time.Time `bigquery:"created_at"`
}

func eventRowFromModel(ev *models.Event) *eventRow {
	row := &eventRow{
		EventID:               ev.EventID,
		ActionType:            ev.ActionType,
		CardID:                ev.CardID,
		BoardID:               ev.BoardID,
		BoardName:             ev.BoardName,
		ListID:                ev.ListID,
		ListName:              ev.ListName,
		ListBeforeID:          ev.ListBeforeID,
		ListBeforeName:        ev.ListBeforeName,
		ListAfterID:           ev.ListAfterID,
		ListAfterName:         ev.ListAfterName,
		IsListTransition:      ev.IsListTransition,
		MemberCreatorID:       ev.MemberCreatorID,
		MemberCreatorUsername: ev.MemberCreatorUsername,
		RawPayload:            string(ev.RawPayload),
		Processed:             ev.Processed,
		ProcessedAt:           ev.ProcessedAt,
		ExtractionTriggered:   ev.ExtractionTriggered,
		ErrorMessage:          ev.ErrorMessage,
		CreatedAt:             ev.CreatedAt.UTC().Truncate(time.Millisecond),
	}
	if !ev.ActionDate.IsZero() {
		d := ev.ActionDate.UTC().Truncate(time.Millisecond)
		row.ActionDate = &d
	}
	return row
}

func (r *eventRow) toModel() *models.Event {
	ev := &models.Event{
		EventID:               r.EventID,
		ActionType:            r.ActionType,
		CardID:                r.CardID,
		BoardID:               r.BoardID,
		BoardName:             r.BoardName,
		ListID:                r.ListID,
		ListName:              r.ListName,
		ListBeforeID:          r.ListBeforeID,
		ListBeforeName:        r.ListBeforeName,
		ListAfterID:           r.ListAfterID,
		ListAfterName:         r.ListAfterName,
		IsListTransition:      r.IsListTransition,
		MemberCreatorID:       r.MemberCreatorID,
		MemberCreatorUsername: r.MemberCreatorUsername,
		RawPayload:            []byte(r.RawPayload),
		Processed:             r.Processed,
		ProcessedAt:           r.ProcessedAt,
		ExtractionTriggered:   r.ExtractionTriggered,
		ErrorMessage:          r.ErrorMessage,
		CreatedAt:             r.CreatedAt,
	}
	if r.ActionDate != nil {
		ev.ActionDate = *r.ActionDate
	}
	return ev
}

// InsertEvent appends the audit row for a notification. Streaming inserts
// cannot enforce uniqueness, so existence is checked first; the dispatcher's
// per-card lock keeps the check-then-insert window closed for the only
// concurrent producer of a given event id.
func (s *Store) InsertEvent(ctx context.Context, ev *models.Event) error {
	exists, err := s.EventExists(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("event %s: %w", ev.EventID, store.ErrDuplicateEvent)
	}
	if err := s.inserter(tableEvents).Put(ctx, eventRowFromModel(ev)); err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// EventExists reports whether an audit row exists for the event id.
func (s *Store) EventExists(ctx context.Context, eventID string) (bool, error) {
	sql := fmt.Sprintf(`SELECT event_id FROM %s WHERE event_id = @event_id LIMIT 1`,
		s.tableRef(tableEvents))
	q := s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{{Name: "event_id", Value: eventID}}

	it, err := q.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("query event existence: %w", err)
	}
	var row []bq.Value
	switch err := it.Next(&row); err {
	case nil:
		return true, nil
	case iterator.Done:
		return false, nil
	default:
		return false, fmt.Errorf("read event existence: %w", err)
	}
}

// FinalizeEvent writes the processing-status fields via MERGE. The UPDATE
// still counts as DML, so rows fresh in the streaming buffer defer.
func (s *Store) FinalizeEvent(ctx context.Context, eventID string, status store.FinalizeStatus) error {
	sql := fmt.Sprintf(`
	MERGE %s AS target
	USING (
		SELECT
			@event_id AS event_id,
			@processed_at AS processed_at,
			@extraction_triggered AS extraction_triggered,
			@error_message AS error_message
	) AS source
	ON target.event_id = source.event_id
	WHEN MATCHED THEN UPDATE SET
		processed = TRUE,
		processed_at = source.processed_at,
		extraction_triggered = source.extraction_triggered,
		error_message = source.error_message`,
		s.tableRef(tableEvents))

	errMsg := status.ErrorMessage
	if !status.Success && errMsg == "" {
		errMsg = "processing failed"
	}

	params := []bq.QueryParameter{
		{Name: "event_id", Value: eventID},
		{Name: "processed_at", Value: nowUTC()},
		{Name: "extraction_triggered", Value: status.ExtractionTriggered},
		{Name: "error_message", Value: errMsg},
	}
	_, err := s.runDML(ctx, sql, params)
	return classifyDML(fmt.Sprintf("finalize event %s", eventID), err)
}

// LastKnownDescription reads cards_current first; when the card has no
// projection row yet it falls back to the newest processed event's payload,
// which is strictly older than anything the caller is about to write.
func (s *Store) LastKnownDescription(ctx context.Context, cardID string) (string, bool, error) {
	sql := fmt.Sprintf("SELECT `desc` FROM %s WHERE card_id = @card_id LIMIT 1",
		s.tableRef(tableCardsCurrent))
	q := s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{{Name: "card_id", Value: cardID}}

	it, err := q.Read(ctx)
	if err != nil {
		return "", false, fmt.Errorf("query current description: %w", err)
	}
	var row struct {
		Desc string `bigquery:"desc"`
	}
	switch err := it.Next(&row); err {
	case nil:
		return row.Desc, true, nil
	case iterator.Done:
		// Fall through to the events scan.
	default:
		return "", false, fmt.Errorf("read current description: %w", err)
	}

	sql = fmt.Sprintf(`
	SELECT JSON_VALUE(raw_payload, '$.action.data.card.desc') AS desc_value
	FROM %s
	WHERE card_id = @card_id AND processed
	ORDER BY created_at DESC
	LIMIT 1`, s.tableRef(tableEvents))
	q = s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{{Name: "card_id", Value: cardID}}

	it, err = q.Read(ctx)
	if err != nil {
		return "", false, fmt.Errorf("query event description: %w", err)
	}
	var evRow struct {
		DescValue bq.NullString `bigquery:"desc_value"`
	}
	switch err := it.Next(&evRow); err {
	case nil:
		return evRow.DescValue.StringVal, true, nil
	case iterator.Done:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("read event description: %w", err)
	}
}

// UnfinalizedEvents lists stale unprocessed events that have no live pending
// entries blocking them, oldest first.
func (s *Store) UnfinalizedEvents(ctx context.Context, olderThan time.Time, limit int) ([]*models.Event, error) {
	sql := fmt.Sprintf(`
	SELECT e.*
	FROM %s AS e
	WHERE NOT e.processed
	  AND e.created_at < @older_than
	  AND NOT EXISTS (
		SELECT 1 FROM %s AS p
		WHERE p.event_id = e.event_id AND p.status IN ('pending', 'processing')
	  )
	ORDER BY e.created_at ASC
	LIMIT @row_limit`,
		s.tableRef(tableEvents), s.tableRef(tablePending))

	q := s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{
		{Name: "older_than", Value: olderThan.UTC()},
		{Name: "row_limit", Value: int64(limit)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query unfinalized events: %w", err)
	}

	var out []*models.Event
	for {
		var row eventRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read unfinalized event: %w", err)
		}
		out = append(out, row.toModel())
	}
	return out, nil
}
