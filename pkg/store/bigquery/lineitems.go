package bigquery

import (
	"context"
	"fmt"

	bq "cloud.google.com/go/bigquery"
	"github.com/ST33ZEmachine/printshop/pkg/models"
	"google.golang.org/api/iterator"
)

// lineItemRow mirrors both line-item tables; they share one schema.
type lineItemRow struct {
	CardID    string `bigquery:"card_id"`
	LineIndex int64  `bigquery:"line_index"`

	Quantity     int64    `bigquery:"quantity"`
	RawPrice     *float64 `bigquery:"raw_price"`
	PriceKind    string   `bigquery:"price_kind"`
	UnitPrice    *float64 `bigquery:"unit_price"`
	TotalRevenue *float64 `bigquery:"total_revenue"`

	Description  string `bigquery:"description"`
	BusinessLine string `bigquery:"business_line"`
	Material     string `bigquery:"material"`
	Dimensions   string `bigquery:"dimensions"`
}

func lineItemRows(cardID string, items []models.LineItem) []*lineItemRow {
	rows := make([]*lineItemRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, &lineItemRow{
			CardID:       cardID,
			LineIndex:    int64(item.LineIndex),
			Quantity:     int64(item.Quantity),
			RawPrice:     item.RawPrice,
			PriceKind:    string(item.PriceKind),
			UnitPrice:    item.UnitPrice,
			TotalRevenue: item.TotalRevenue,
			Description:  item.Description,
			BusinessLine: string(item.BusinessLine),
			Material:     item.Material,
			Dimensions:   item.Dimensions,
		})
	}
	return rows
}

// InsertLineItemsMaster appends the immutable line-item set for a card.
// No-op when any row already exists for the card, keeping the master set
// the output of exactly one extraction run.
func (s *Store) InsertLineItemsMaster(ctx context.Context, cardID string, items []models.LineItem) error {
	if len(items) == 0 {
		return nil
	}

	sql := fmt.Sprintf(`SELECT card_id FROM %s WHERE card_id = @card_id LIMIT 1`,
		s.tableRef(tableLineItemsMaster))
	q := s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{{Name: "card_id", Value: cardID}}

	it, err := q.Read(ctx)
	if err != nil {
		return fmt.Errorf("query line items master existence: %w", err)
	}
	var probe []bq.Value
	switch err := it.Next(&probe); err {
	case nil:
		return nil
	case iterator.Done:
	default:
		return fmt.Errorf("read line items master existence: %w", err)
	}

	if err := s.inserter(tableLineItemsMaster).Put(ctx, lineItemRows(cardID, items)); err != nil {
		return fmt.Errorf("insert line items master %s: %w", cardID, err)
	}
	return nil
}

// ReplaceLineItemsCurrent drops the card's current line-item rows and streams
// in the new set. The DELETE is the deferrable half: rows recently streamed
// for this card may still sit in the buffer. The subsequent insert is
// streaming-only and does not defer.
func (s *Store) ReplaceLineItemsCurrent(ctx context.Context, cardID string, items []models.LineItem) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE card_id = @card_id`,
		s.tableRef(tableLineItemsCurrent))
	params := []bq.QueryParameter{{Name: "card_id", Value: cardID}}

	if _, err := s.runDML(ctx, sql, params); err != nil {
		return classifyDML(fmt.Sprintf("delete line items current %s", cardID), err)
	}

	if len(items) == 0 {
		return nil
	}
	if err := s.inserter(tableLineItemsCurrent).Put(ctx, lineItemRows(cardID, items)); err != nil {
		return fmt.Errorf("insert line items current %s: %w", cardID, err)
	}
	return nil
}
