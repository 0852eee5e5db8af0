package models

import "time"

// PriceKind says how a raw extracted price should be read.
type PriceKind string

// Price kinds.
const (
	PricePerUnit PriceKind = "per_unit"
	PriceTotal   PriceKind = "total"
)

// BusinessLine classifies a line item into one of the shop's product lines.
// Empty means the enrichment pass could not classify the item.
type BusinessLine string

// Business lines.
const (
	LineSignage   BusinessLine = "signage"
	LinePrinting  BusinessLine = "printing"
	LineEngraving BusinessLine = "engraving"
)

// CardFields is the column set shared by the master snapshot and the
// current-state projection of a card.
type CardFields struct {
	CardID string

	Name             string
	Desc             string
	Labels           string // comma-separated label names
	Closed           bool
	DateLastActivity *time.Time

	// Enriched from the card title ("Purchaser | Order summary").
	Purchaser    string
	OrderSummary string

	// Enriched by extraction.
	PrimaryBuyerName  string
	PrimaryBuyerEmail string

	// Derived from the card id (first 8 hex chars are a unix timestamp).
	DateCreated     string // YYYY-MM-DD, empty when underivable
	DatetimeCreated *time.Time
	YearCreated     int
	MonthCreated    int
	YearMonth       string
	UnixTimestamp   int64

	LineItemCount int

	ListID    string
	ListName  string
	BoardID   string
	BoardName string
}

// CardMaster is the immutable first-observation snapshot of a card.
// Never updated after creation.
type CardMaster struct {
	CardFields

	FirstExtractedAt       time.Time
	FirstExtractionEventID string
}

// CardCurrent is the mutable projection of a card's latest known state.
// Exactly one row per card id.
type CardCurrent struct {
	CardFields

	LastUpdatedAt         time.Time
	LastExtractedAt       *time.Time
	LastExtractionEventID string
	LastEventType         string
}

// LineItem is one extracted order line. The current-state set for a card is
// always the complete output of a single extraction run.
type LineItem struct {
	CardID    string
	LineIndex int // 1-based, in extraction order

	Quantity     int
	RawPrice     *float64
	PriceKind    PriceKind
	UnitPrice    *float64
	TotalRevenue *float64

	Description  string
	BusinessLine BusinessLine
	Material     string
	Dimensions   string
}
