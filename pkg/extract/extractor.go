// Package extract turns card descriptions into structured order data using a
// two-phase LLM pipeline: line-item extraction, then per-item classification.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ST33ZEmachine/printshop/pkg/models"
)

// Input is the card surface the extractor reads.
type Input struct {
	CardID string
	Name   string
	Desc   string
}

// Result is everything one extraction run produces.
type Result struct {
	Purchaser    string
	OrderSummary string

	PrimaryBuyerName  string
	PrimaryBuyerEmail string

	Items []models.LineItem
}

// Service runs extractions against a Completer.
type Service struct {
	llm      Completer
	maxInput int
}

// NewService builds an extraction service. maxInput caps the description
// characters sent to the model.
func NewService(llm Completer, maxInput int) *Service {
	return &Service{llm: llm, maxInput: maxInput}
}

// extraction response shapes; numbers arrive as strings often enough that
// everything numeric is coerced leniently.
type extractedCard struct {
	CardID     string          `json:"card_id"`
	Items      []extractedItem `json:"items"`
	BuyerName  string          `json:"buyer_name"`
	BuyerEmail string          `json:"buyer_email"`
}

type extractedItem struct {
	Qty       json.Number `json:"qty"`
	Price     json.Number `json:"price"`
	PriceType string      `json:"price_type"`
	Desc      string      `json:"desc"`
}

type enrichedItem struct {
	BusinessLine string `json:"business_line"`
	Material     string `json:"material"`
	Dimensions   string `json:"dimensions"`
}

// Extract runs the full pipeline for one card. Title fields are parsed
// locally; line items and buyer info come from the model. An empty
// description yields an empty item set without calling the model at all.
func (s *Service) Extract(ctx context.Context, in Input) (*Result, error) {
	res := &Result{}
	res.Purchaser, res.OrderSummary = ParseTitle(in.Name)

	desc := strings.TrimSpace(in.Desc)
	if desc == "" {
		return res, nil
	}
	if s.maxInput > 0 && len(desc) > s.maxInput {
		// Cap by rune so a multi-byte character is never split.
		if runes := []rune(desc); len(runes) > s.maxInput {
			desc = string(runes[:s.maxInput])
		}
	}

	cardJSON, err := json.Marshal([]map[string]string{{
		"id":   in.CardID,
		"name": in.Name,
		"desc": desc,
	}})
	if err != nil {
		return nil, fmt.Errorf("encode card input: %w", err)
	}

	raw, err := s.llm.Complete(ctx, extractSystemPrompt,
		fmt.Sprintf("Cards:\n%s\n\nReturn JSON array.", cardJSON))
	if err != nil {
		return nil, fmt.Errorf("extract card %s: %w", in.CardID, err)
	}

	cards, err := parseExtraction(raw)
	if err != nil {
		return nil, fmt.Errorf("extract card %s: %w", in.CardID, err)
	}
	card := matchCard(cards, in.CardID)

	res.PrimaryBuyerName = card.BuyerName
	res.PrimaryBuyerEmail = card.BuyerEmail
	res.Items = buildItems(in.CardID, card.Items)

	if len(res.Items) > 0 {
		s.enrich(ctx, res.Items)
	}
	return res, nil
}

// enrich classifies the items in place. Enrichment failure is logged, not
// fatal: the unclassified items are still worth keeping.
func (s *Service) enrich(ctx context.Context, items []models.LineItem) {
	type enrichInput struct {
		Description string  `json:"description"`
		Quantity    int     `json:"quantity"`
		Revenue     float64 `json:"revenue"`
	}
	inputs := make([]enrichInput, 0, len(items))
	for _, item := range items {
		desc := item.Description
		if len(desc) > 200 {
			desc = desc[:200]
		}
		revenue := 0.0
		if item.TotalRevenue != nil {
			revenue = *item.TotalRevenue
		}
		inputs = append(inputs, enrichInput{
			Description: desc,
			Quantity:    item.Quantity,
			Revenue:     revenue,
		})
	}

	payload, err := json.Marshal(inputs)
	if err != nil {
		slog.Warn("Enrichment input encoding failed", "error", err)
		return
	}
	user := fmt.Sprintf(
		"Classify these %d line items:\n\n%s\n\nReturn JSON array with business_line, material, dimensions for each (same order as input).",
		len(inputs), payload)

	raw, err := s.llm.Complete(ctx, enrichSystemPrompt, user)
	if err != nil {
		slog.Warn("Enrichment call failed, keeping unclassified items", "error", err)
		return
	}

	var results []enrichedItem
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &results); err != nil {
		slog.Warn("Enrichment response unparseable, keeping unclassified items", "error", err)
		return
	}
	for i := range items {
		if i >= len(results) {
			break
		}
		items[i].BusinessLine = models.BusinessLine(strings.ToLower(strings.TrimSpace(results[i].BusinessLine)))
		items[i].Material = results[i].Material
		items[i].Dimensions = results[i].Dimensions
	}
}

func parseExtraction(raw string) ([]extractedCard, error) {
	text := stripCodeFence(raw)

	var cards []extractedCard
	if err := json.Unmarshal([]byte(text), &cards); err == nil {
		return cards, nil
	}
	// The model occasionally answers with a bare object instead of an array.
	var single extractedCard
	if err := json.Unmarshal([]byte(text), &single); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	return []extractedCard{single}, nil
}

func matchCard(cards []extractedCard, cardID string) extractedCard {
	if len(cards) == 0 {
		return extractedCard{}
	}
	for _, c := range cards {
		if c.CardID == cardID {
			return c
		}
	}
	return cards[0]
}

func buildItems(cardID string, raw []extractedItem) []models.LineItem {
	items := make([]models.LineItem, 0, len(raw))
	for i, it := range raw {
		quantity := 1
		if n, err := it.Qty.Int64(); err == nil && n > 0 {
			quantity = int(n)
		}

		var rawPrice *float64
		if f, err := it.Price.Float64(); err == nil {
			rawPrice = &f
		}

		kind := models.PriceTotal
		if strings.EqualFold(strings.TrimSpace(it.PriceType), string(models.PricePerUnit)) {
			kind = models.PricePerUnit
		}

		unit, total := ComputePrices(rawPrice, quantity, kind)
		items = append(items, models.LineItem{
			CardID:       cardID,
			LineIndex:    i + 1,
			Quantity:     quantity,
			RawPrice:     rawPrice,
			PriceKind:    kind,
			UnitPrice:    unit,
			TotalRevenue: total,
			Description:  it.Desc,
		})
	}
	return items
}

// stripCodeFence drops markdown fence lines the model sometimes wraps JSON in.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// ParseTitle splits a "Purchaser | Order summary" card title. Titles without
// a pipe yield nothing.
func ParseTitle(name string) (purchaser, orderSummary string) {
	if !strings.Contains(name, "|") {
		return "", ""
	}
	parts := strings.Split(name, "|")
	purchaser = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		orderSummary = strings.TrimSpace(parts[1])
	}
	return purchaser, orderSummary
}

// Created holds the creation-time fields derived from a card id: the first
// 8 hex characters encode the creation unix timestamp.
type Created struct {
	DateCreated     string
	DatetimeCreated *time.Time
	YearCreated     int
	MonthCreated    int
	YearMonth       string
	UnixTimestamp   int64
}

// DeriveCreated decodes the creation timestamp from a card id. Ids too short
// or non-hex yield the zero value.
func DeriveCreated(cardID string) Created {
	if len(cardID) < 8 {
		return Created{}
	}
	unix, err := strconv.ParseInt(cardID[:8], 16, 64)
	if err != nil {
		return Created{}
	}
	t := time.Unix(unix, 0).UTC()
	return Created{
		DateCreated:     t.Format("2006-01-02"),
		DatetimeCreated: &t,
		YearCreated:     t.Year(),
		MonthCreated:    int(t.Month()),
		YearMonth:       t.Format("2006-01"),
		UnixTimestamp:   unix,
	}
}

// Apply copies the derived fields onto a card projection.
func (c Created) Apply(f *models.CardFields) {
	f.DateCreated = c.DateCreated
	f.DatetimeCreated = c.DatetimeCreated
	f.YearCreated = c.YearCreated
	f.MonthCreated = c.MonthCreated
	f.YearMonth = c.YearMonth
	f.UnixTimestamp = c.UnixTimestamp
}
