package bigquery

import (
	"context"
	"fmt"
	"time"

	bq "cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/ST33ZEmachine/printshop/pkg/models"
	"github.com/ST33ZEmachine/printshop/pkg/store"
	"google.golang.org/api/iterator"
)

// cardMasterRow mirrors the cards_master schema.
type cardMasterRow struct {
	cardFieldsRow

	FirstExtractedAt       time.Time `bigquery:"first_extracted_at"`
	FirstExtractionEventID string    `bigquery:"first_extraction_event_id"`
}

// cardCurrentRow mirrors the cards_current schema.
type cardCurrentRow struct {
	cardFieldsRow

	LastUpdatedAt         time.Time  `bigquery:"last_updated_at"`
	LastExtractedAt       *time.Time `bigquery:"last_extracted_at"`
	LastExtractionEventID string     `bigquery:"last_extraction_event_id"`
	LastEventType         string     `bigquery:"last_event_type"`
}

// cardFieldsRow is the column set shared by both card tables.
type cardFieldsRow struct {
	CardID           string      `bigquery:"card_id"`
	Name             string      `bigquery:"name"`
	Desc             string      `bigquery:"desc"`
	Labels           string      `bigquery:"labels"`
	Closed           bool        `bigquery:"closed"`
	DateLastActivity *time.Time  `bigquery:"date_last_activity"`
	Purchaser        string      `bigquery:"purchaser"`
	OrderSummary     string      `bigquery:"order_summary"`
	PrimaryBuyerName string      `bigquery:"primary_buyer_name"`
	PrimaryBuyerMail string      `bigquery:"primary_buyer_email"`
	DateCreated      *civil.Date `bigquery:"date_created"`
	DatetimeCreated  *time.Time  `bigquery:"datetime_created"`
	YearCreated      int64       `bigquery:"year_created"`
	MonthCreated     int64       `bigquery:"month_created"`
	YearMonth        string      `bigquery:"year_month"`
	UnixTimestamp    int64       `bigquery:"unix_timestamp"`
	LineItemCount    int64       `bigquery:"line_item_count"`
	ListID           string      `bigquery:"list_id"`
	ListName         string      `bigquery:"list_name"`
	BoardID          string      `bigquery:"board_id"`
	BoardName        string      `bigquery:"board_name"`
}

func cardFieldsRowFromModel(f *models.CardFields) cardFieldsRow {
	row := cardFieldsRow{
		CardID:           f.CardID,
		Name:             f.Name,
		Desc:             f.Desc,
		Labels:           f.Labels,
		Closed:           f.Closed,
		DateLastActivity: f.DateLastActivity,
		Purchaser:        f.Purchaser,
		OrderSummary:     f.OrderSummary,
		PrimaryBuyerName: f.PrimaryBuyerName,
		PrimaryBuyerMail: f.PrimaryBuyerEmail,
		DatetimeCreated:  f.DatetimeCreated,
		YearCreated:      int64(f.YearCreated),
		MonthCreated:     int64(f.MonthCreated),
		YearMonth:        f.YearMonth,
		UnixTimestamp:    f.UnixTimestamp,
		LineItemCount:    int64(f.LineItemCount),
		ListID:           f.ListID,
		ListName:         f.ListName,
		BoardID:          f.BoardID,
		BoardName:        f.BoardName,
	}
	if f.DateCreated != "" {
		if d, err := civil.ParseDate(f.DateCreated); err == nil {
			row.DateCreated = &d
		}
	}
	return row
}

func (r *cardFieldsRow) toModel() models.CardFields {
	f := models.CardFields{
		CardID:            r.CardID,
		Name:              r.Name,
		Desc:              r.Desc,
		Labels:            r.Labels,
		Closed:            r.Closed,
		DateLastActivity:  r.DateLastActivity,
		Purchaser:         r.Purchaser,
		OrderSummary:      r.OrderSummary,
		PrimaryBuyerName:  r.PrimaryBuyerName,
		PrimaryBuyerEmail: r.PrimaryBuyerMail,
		DatetimeCreated:   r.DatetimeCreated,
		YearCreated:       int(r.YearCreated),
		MonthCreated:      int(r.MonthCreated),
		YearMonth:         r.YearMonth,
		UnixTimestamp:     r.UnixTimestamp,
		LineItemCount:     int(r.LineItemCount),
		ListID:            r.ListID,
		ListName:          r.ListName,
		BoardID:           r.BoardID,
		BoardName:         r.BoardName,
	}
	if r.DateCreated != nil {
		f.DateCreated = r.DateCreated.String()
	}
	return f
}

// CardInMaster reports whether the card has a master snapshot row.
func (s *Store) CardInMaster(ctx context.Context, cardID string) (bool, error) {
	sql := fmt.Sprintf(`SELECT card_id FROM %s WHERE card_id = @card_id LIMIT 1`,
		s.tableRef(tableCardsMaster))
	q := s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{{Name: "card_id", Value: cardID}}

	it, err := q.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("query card master existence: %w", err)
	}
	var row []bq.Value
	switch err := it.Next(&row); err {
	case nil:
		return true, nil
	case iterator.Done:
		return false, nil
	default:
		return false, fmt.Errorf("read card master existence: %w", err)
	}
}

// InsertCardMasterIfAbsent appends the first-observation snapshot. The master
// table is append-only; a second observation of the same card is skipped.
func (s *Store) InsertCardMasterIfAbsent(ctx context.Context, card *models.CardMaster) (bool, error) {
	exists, err := s.CardInMaster(ctx, card.CardID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	row := &cardMasterRow{
		cardFieldsRow:          cardFieldsRowFromModel(&card.CardFields),
		FirstExtractedAt:       card.FirstExtractedAt.UTC().Truncate(time.Millisecond),
		FirstExtractionEventID: card.FirstExtractionEventID,
	}
	if err := s.inserter(tableCardsMaster).Put(ctx, row); err != nil {
		return false, fmt.Errorf("insert card master %s: %w", card.CardID, err)
	}
	return true, nil
}

// GetCardCurrent reads the projection row for a card.
func (s *Store) GetCardCurrent(ctx context.Context, cardID string) (*models.CardCurrent, error) {
	sql := fmt.Sprintf(`SELECT * FROM %s WHERE card_id = @card_id LIMIT 1`,
		s.tableRef(tableCardsCurrent))
	q := s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{{Name: "card_id", Value: cardID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query card current: %w", err)
	}
	var row cardCurrentRow
	switch err := it.Next(&row); err {
	case nil:
	case iterator.Done:
		return nil, fmt.Errorf("card %s: %w", cardID, store.ErrNotFound)
	default:
		return nil, fmt.Errorf("read card current: %w", err)
	}

	cur := &models.CardCurrent{
		CardFields:            row.toModel(),
		LastUpdatedAt:         row.LastUpdatedAt,
		LastExtractedAt:       row.LastExtractedAt,
		LastExtractionEventID: row.LastExtractionEventID,
		LastEventType:         row.LastEventType,
	}
	return cur, nil
}

// UpsertCardCurrent replaces the projection row for a card with a single
// MERGE, the one DML shape that handles both insert and update atomically on
// a store without native UPSERT.
func (s *Store) UpsertCardCurrent(ctx context.Context, card *models.CardCurrent) error {
	sql := fmt.Sprintf(`
	MERGE %s AS target
	USING (
		SELECT
			@card_id AS card_id,
			@name AS name,
			@desc AS `+"`desc`"+`,
			@labels AS labels,
			@closed AS closed,
			@date_last_activity AS date_last_activity,
			@purchaser AS purchaser,
			@order_summary AS order_summary,
			@primary_buyer_name AS primary_buyer_name,
			@primary_buyer_email AS primary_buyer_email,
			@date_created AS date_created,
			@datetime_created AS datetime_created,
			@year_created AS year_created,
			@month_created AS month_created,
			@year_month AS year_month,
			@unix_timestamp AS unix_timestamp,
			@line_item_count AS line_item_count,
			@list_id AS list_id,
			@list_name AS list_name,
			@board_id AS board_id,
			@board_name AS board_name,
			@last_updated_at AS last_updated_at,
			@last_extracted_at AS last_extracted_at,
			@last_extraction_event_id AS last_extraction_event_id,
			@last_event_type AS last_event_type
	) AS source
	ON target.card_id = source.card_id
	WHEN MATCHED THEN UPDATE SET
		name = source.name,
		`+"`desc` = source.`desc`"+`,
		labels = source.labels,
		closed = source.closed,
		date_last_activity = source.date_last_activity,
		purchaser = source.purchaser,
		order_summary = source.order_summary,
		primary_buyer_name = source.primary_buyer_name,
		primary_buyer_email = source.primary_buyer_email,
		date_created = source.date_created,
		datetime_created = source.datetime_created,
		year_created = source.year_created,
		month_created = source.month_created,
		year_month = source.year_month,
		unix_timestamp = source.unix_timestamp,
		line_item_count = source.line_item_count,
		list_id = source.list_id,
		list_name = source.list_name,
		board_id = source.board_id,
		board_name = source.board_name,
		last_updated_at = source.last_updated_at,
		last_extracted_at = source.last_extracted_at,
		last_extraction_event_id = source.last_extraction_event_id,
		last_event_type = source.last_event_type
	WHEN NOT MATCHED THEN INSERT (
		card_id, name, `+"`desc`"+`, labels, closed, date_last_activity,
		purchaser, order_summary, primary_buyer_name, primary_buyer_email,
		date_created, datetime_created, year_created, month_created, year_month,
		unix_timestamp, line_item_count, list_id, list_name, board_id, board_name,
		last_updated_at, last_extracted_at, last_extraction_event_id, last_event_type
	) VALUES (
		source.card_id, source.name, source.`+"`desc`"+`, source.labels, source.closed, source.date_last_activity,
		source.purchaser, source.order_summary, source.primary_buyer_name, source.primary_buyer_email,
		source.date_created, source.datetime_created, source.year_created, source.month_created, source.year_month,
		source.unix_timestamp, source.line_item_count, source.list_id, source.list_name, source.board_id, source.board_name,
		source.last_updated_at, source.last_extracted_at, source.last_extraction_event_id, source.last_event_type
	)`, s.tableRef(tableCardsCurrent))

	row := cardFieldsRowFromModel(&card.CardFields)

	var dateCreated any
	if row.DateCreated != nil {
		dateCreated = *row.DateCreated
	} else {
		dateCreated = bq.NullDate{}
	}
	var datetimeCreated any = bq.NullTimestamp{}
	if card.DatetimeCreated != nil {
		datetimeCreated = *card.DatetimeCreated
	}
	var lastActivity any = bq.NullTimestamp{}
	if card.DateLastActivity != nil {
		lastActivity = *card.DateLastActivity
	}
	var lastExtracted any = bq.NullTimestamp{}
	if card.LastExtractedAt != nil {
		lastExtracted = card.LastExtractedAt.UTC().Truncate(time.Millisecond)
	}

	params := []bq.QueryParameter{
		{Name: "card_id", Value: card.CardID},
		{Name: "name", Value: card.Name},
		{Name: "desc", Value: card.Desc},
		{Name: "labels", Value: card.Labels},
		{Name: "closed", Value: card.Closed},
		{Name: "date_last_activity", Value: lastActivity},
		{Name: "purchaser", Value: card.Purchaser},
		{Name: "order_summary", Value: card.OrderSummary},
		{Name: "primary_buyer_name", Value: card.PrimaryBuyerName},
		{Name: "primary_buyer_email", Value: card.PrimaryBuyerEmail},
		{Name: "date_created", Value: dateCreated},
		{Name: "datetime_created", Value: datetimeCreated},
		{Name: "year_created", Value: int64(card.YearCreated)},
		{Name: "month_created", Value: int64(card.MonthCreated)},
		{Name: "year_month", Value: card.YearMonth},
		{Name: "unix_timestamp", Value: card.UnixTimestamp},
		{Name: "line_item_count", Value: int64(card.LineItemCount)},
		{Name: "list_id", Value: card.ListID},
		{Name: "list_name", Value: card.ListName},
		{Name: "board_id", Value: card.BoardID},
		{Name: "board_name", Value: card.BoardName},
		{Name: "last_updated_at", Value: card.LastUpdatedAt.UTC().Truncate(time.Millisecond)},
		{Name: "last_extracted_at", Value: lastExtracted},
		{Name: "last_extraction_event_id", Value: card.LastExtractionEventID},
		{Name: "last_event_type", Value: card.LastEventType},
	}

	_, err := s.runDML(ctx, sql, params)
	return classifyDML(fmt.Sprintf("upsert card current %s", card.CardID), err)
}
