package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ST33ZEmachine/printshop/pkg/extract"
	"github.com/ST33ZEmachine/printshop/pkg/models"
	"github.com/ST33ZEmachine/printshop/pkg/store"
	"github.com/ST33ZEmachine/printshop/pkg/store/memory"
	"github.com/ST33ZEmachine/printshop/pkg/trello"
)

const testCardID = "5f0e1d2caaaaaaaaaaaaaaaa"

// fakeFetcher serves card state from a map.
type fakeFetcher struct {
	cards map[string]*trello.Card
	err   error
	calls int
}

func (f *fakeFetcher) GetCard(_ context.Context, cardID string) (*trello.Card, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	card, ok := f.cards[cardID]
	if !ok {
		return nil, fmt.Errorf("card %s: %w", cardID, trello.ErrCardAbsent)
	}
	cp := *card
	return &cp, nil
}

// fakeExtractor maps descriptions to canned results.
type fakeExtractor struct {
	results map[string]*extract.Result
	err     error
	calls   int
}

func (f *fakeExtractor) Extract(_ context.Context, in extract.Input) (*extract.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.results[in.Desc]; ok {
		cp := *res
		return &cp, nil
	}
	return &extract.Result{}, nil
}

// flakyStore injects streaming-buffer deferrals into a memory store.
type flakyStore struct {
	*memory.Store
	deferReplace  int
	deferUpsert   int
	deferFinalize int
}

func (f *flakyStore) ReplaceLineItemsCurrent(ctx context.Context, cardID string, items []models.LineItem) error {
	if f.deferReplace > 0 {
		f.deferReplace--
		return store.ErrDeferred
	}
	return f.Store.ReplaceLineItemsCurrent(ctx, cardID, items)
}

func (f *flakyStore) UpsertCardCurrent(ctx context.Context, card *models.CardCurrent) error {
	if f.deferUpsert > 0 {
		f.deferUpsert--
		return store.ErrDeferred
	}
	return f.Store.UpsertCardCurrent(ctx, card)
}

func (f *flakyStore) FinalizeEvent(ctx context.Context, eventID string, status store.FinalizeStatus) error {
	if f.deferFinalize > 0 {
		f.deferFinalize--
		return store.ErrDeferred
	}
	return f.Store.FinalizeEvent(ctx, eventID, status)
}

type pipeline struct {
	mem       *memory.Store
	st        store.Store
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	locks     *KeyedMutex
	processor *Processor
	worker    *RetryWorker
}

func newPipeline(st store.Store, mem *memory.Store) *pipeline {
	price := func(v float64) *float64 { return &v }
	fetcher := &fakeFetcher{cards: map[string]*trello.Card{}}
	extractor := &fakeExtractor{results: map[string]*extract.Result{
		"1x Sign $100": {
			Purchaser: "Acme", OrderSummary: "signs",
			Items: []models.LineItem{{
				CardID: testCardID, LineIndex: 1, Quantity: 1,
				RawPrice: price(100), PriceKind: models.PriceTotal,
				UnitPrice: price(100), TotalRevenue: price(100),
				Description: "Sign",
			}},
		},
		"2x Sign $300 total": {
			Purchaser: "Acme", OrderSummary: "signs",
			Items: []models.LineItem{{
				CardID: testCardID, LineIndex: 1, Quantity: 2,
				RawPrice: price(300), PriceKind: models.PriceTotal,
				UnitPrice: price(150), TotalRevenue: price(300),
				Description: "Sign",
			}},
		},
	}}
	locks := NewKeyedMutex()
	proc := NewProcessor(st, fetcher, extractor, locks, time.Second, time.Second, time.Millisecond)
	worker := NewRetryWorker(st, locks, time.Second, time.Millisecond, 10)
	return &pipeline{
		mem: mem, st: st,
		fetcher: fetcher, extractor: extractor,
		locks: locks, processor: proc, worker: worker,
	}
}

func (p *pipeline) setCard(desc string, mutate func(*trello.Card)) {
	card := &trello.Card{
		ID:               testCardID,
		Name:             "Acme | signs",
		Desc:             desc,
		IDList:           "l1",
		IDBoard:          "b1",
		DateLastActivity: "2026-03-01T12:00:00Z",
	}
	if mutate != nil {
		mutate(card)
	}
	p.fetcher.cards[testCardID] = card
}

func notif(eventID, actionType, desc string, mutate func(*models.WebhookPayload)) *models.Notification {
	payload := &models.WebhookPayload{Action: models.Action{
		ID:   eventID,
		Type: actionType,
		Date: "2026-03-01T12:00:00.000Z",
		Data: models.ActionData{
			Board: &models.BoardRef{ID: "b1", Name: "Orders"},
			Card:  &models.CardRef{ID: testCardID, Name: "Acme | signs", Desc: desc, IDList: "l1"},
			List:  &models.ListRef{ID: "l1", Name: "Todo"},
		},
	}}
	if mutate != nil {
		mutate(payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &models.Notification{
		EventID:    eventID,
		ActionType: actionType,
		ActionDate: payload.Action.ActionDate(),
		CardID:     testCardID,
		Payload:    payload,
		RawPayload: raw,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestNewCardFullProjection(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	p.setCard("1x Sign $100", nil)

	p.processor.Process(context.Background(), notif("E1", models.ActionCreateCard, "1x Sign $100", nil))

	ev, ok := mem.Event("E1")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.True(t, ev.ExtractionTriggered)
	assert.Empty(t, ev.ErrorMessage)

	master, ok := mem.CardMaster(testCardID)
	require.True(t, ok)
	assert.Equal(t, "E1", master.FirstExtractionEventID)
	assert.Equal(t, "Acme", master.Purchaser)
	assert.Equal(t, 1, master.LineItemCount)
	assert.Equal(t, "2020-07-14", master.DateCreated)

	current, err := mem.GetCardCurrent(context.Background(), testCardID)
	require.NoError(t, err)
	assert.Equal(t, "E1", current.LastExtractionEventID)
	assert.Equal(t, models.EventTypeCreate, current.LastEventType)
	require.NotNil(t, current.LastExtractedAt)

	for _, items := range [][]models.LineItem{mem.LineItemsMaster(testCardID), mem.LineItemsCurrent(testCardID)} {
		require.Len(t, items, 1)
		item := items[0]
		assert.Equal(t, 1, item.LineIndex)
		assert.Equal(t, 1, item.Quantity)
		assert.Equal(t, 100.0, *item.RawPrice)
		assert.Equal(t, models.PriceTotal, item.PriceKind)
		assert.Equal(t, 100.0, *item.UnitPrice)
		assert.Equal(t, 100.0, *item.TotalRevenue)
	}
}

func TestListMoveWithoutDescChange(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	p.setCard("1x Sign $100", nil)
	p.processor.Process(context.Background(), notif("E1", models.ActionCreateCard, "1x Sign $100", nil))
	require.Equal(t, 1, p.extractor.calls)

	before, err := mem.GetCardCurrent(context.Background(), testCardID)
	require.NoError(t, err)

	p.setCard("1x Sign $100", func(c *trello.Card) { c.IDList = "l2" })
	p.processor.Process(context.Background(), notif("E2", models.ActionUpdateCard, "1x Sign $100", func(w *models.WebhookPayload) {
		w.Action.Data.Card.IDList = "l2"
		w.Action.Data.List = nil
		w.Action.Data.ListBefore = &models.ListRef{ID: "l1", Name: "Todo"}
		w.Action.Data.ListAfter = &models.ListRef{ID: "l2", Name: "In Progress"}
	}))

	ev, ok := mem.Event("E2")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.False(t, ev.ExtractionTriggered)
	assert.True(t, ev.IsListTransition)

	// No second extraction, master untouched.
	assert.Equal(t, 1, p.extractor.calls)
	master, ok := mem.CardMaster(testCardID)
	require.True(t, ok)
	assert.Equal(t, "E1", master.FirstExtractionEventID)

	current, err := mem.GetCardCurrent(context.Background(), testCardID)
	require.NoError(t, err)
	assert.Equal(t, "l2", current.ListID)
	assert.Equal(t, "In Progress", current.ListName)
	assert.Equal(t, models.EventTypeListMoved, current.LastEventType)
	assert.Equal(t, before.LastExtractedAt, current.LastExtractedAt)
	assert.Equal(t, before.LineItemCount, current.LineItemCount)
}

func TestDescriptionChangeReextracts(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	p.setCard("1x Sign $100", nil)
	p.processor.Process(context.Background(), notif("E1", models.ActionCreateCard, "1x Sign $100", nil))

	p.setCard("2x Sign $300 total", nil)
	p.processor.Process(context.Background(), notif("E3", models.ActionUpdateCard, "2x Sign $300 total", func(w *models.WebhookPayload) {
		old := "1x Sign $100"
		w.Action.Data.Card.Desc = "2x Sign $300 total"
		w.Action.Data.Old = &models.OldRef{Desc: &old}
	}))

	assert.Equal(t, 2, p.extractor.calls)

	// Master stays at the first extraction.
	masterItems := mem.LineItemsMaster(testCardID)
	require.Len(t, masterItems, 1)
	assert.Equal(t, 1, masterItems[0].Quantity)

	current, err := mem.GetCardCurrent(context.Background(), testCardID)
	require.NoError(t, err)
	assert.Equal(t, "E3", current.LastExtractionEventID)
	assert.Equal(t, models.EventTypeDescChanged, current.LastEventType)

	items := mem.LineItemsCurrent(testCardID)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, 300.0, *items[0].RawPrice)
	assert.Equal(t, 150.0, *items[0].UnitPrice)
	assert.Equal(t, 300.0, *items[0].TotalRevenue)
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	p.setCard("1x Sign $100", nil)

	n := notif("E1", models.ActionCreateCard, "1x Sign $100", nil)
	p.processor.Process(context.Background(), n)
	require.Equal(t, 1, p.extractor.calls)

	itemsBefore := mem.LineItemsCurrent(testCardID)
	currentBefore, err := mem.GetCardCurrent(context.Background(), testCardID)
	require.NoError(t, err)

	// Verbatim redelivery.
	p.processor.Process(context.Background(), notif("E1", models.ActionCreateCard, "1x Sign $100", nil))

	assert.Equal(t, 1, p.extractor.calls)
	assert.Equal(t, 1, p.fetcher.calls)
	assert.Equal(t, itemsBefore, mem.LineItemsCurrent(testCardID))
	currentAfter, err := mem.GetCardCurrent(context.Background(), testCardID)
	require.NoError(t, err)
	assert.Equal(t, currentBefore, currentAfter)
}

func TestDeferredReplayThroughRetryWorker(t *testing.T) {
	mem := memory.New()
	fs := &flakyStore{Store: mem}
	p := newPipeline(fs, mem)
	p.setCard("1x Sign $100", nil)
	p.processor.Process(context.Background(), notif("E1", models.ActionCreateCard, "1x Sign $100", nil))

	// Desc change whose line-item replace hits the streaming buffer.
	fs.deferReplace = 1
	p.setCard("2x Sign $300 total", nil)
	p.processor.Process(context.Background(), notif("E4", models.ActionUpdateCard, "2x Sign $300 total", func(w *models.WebhookPayload) {
		w.Action.Data.Card.Desc = "2x Sign $300 total"
	}))

	ev, ok := mem.Event("E4")
	require.True(t, ok)
	assert.False(t, ev.Processed, "event must stay unfinalized while writes are pending")

	entries := mem.PendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpReplaceLineItems, entries[0].Operation)
	assert.Equal(t, models.PendingStatusPending, entries[0].Status)
	assert.Equal(t, "E4", entries[0].EventID)

	// The upsert landed, so the card projection is already advanced.
	current, err := mem.GetCardCurrent(context.Background(), testCardID)
	require.NoError(t, err)
	assert.Equal(t, "E4", current.LastExtractionEventID)

	// Next tick: the buffer has drained, the worker replays and finalizes.
	time.Sleep(5 * time.Millisecond)
	p.worker.drain(context.Background())

	entries = mem.PendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.PendingStatusCompleted, entries[0].Status)

	ev, ok = mem.Event("E4")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.True(t, ev.ExtractionTriggered)

	items := mem.LineItemsCurrent(testCardID)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)
}

func TestIrrelevantActionRecordedOnly(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	p.setCard("1x Sign $100", nil)

	p.processor.Process(context.Background(), notif("E5", "commentCard", "1x Sign $100", nil))

	ev, ok := mem.Event("E5")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.False(t, ev.ExtractionTriggered)

	assert.Equal(t, 0, p.fetcher.calls)
	assert.Equal(t, 0, p.extractor.calls)
	_, ok = mem.CardMaster(testCardID)
	assert.False(t, ok)
	assert.Empty(t, mem.LineItemsCurrent(testCardID))
}

func TestCardAbsentFinalizesWithFailure(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	// No card registered in the fetcher: 404.

	p.processor.Process(context.Background(), notif("E6", models.ActionUpdateCard, "x", nil))

	ev, ok := mem.Event("E6")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.False(t, ev.ExtractionTriggered)
	assert.Contains(t, ev.ErrorMessage, "card absent")
	assert.Equal(t, 0, p.extractor.calls)
}

func TestExtractionFailureFinalizesWithFailure(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	p.setCard("1x Sign $100", nil)
	p.extractor.err = errors.New("model timeout")

	p.processor.Process(context.Background(), notif("E7", models.ActionCreateCard, "1x Sign $100", nil))

	ev, ok := mem.Event("E7")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.True(t, ev.ExtractionTriggered)
	assert.Contains(t, ev.ErrorMessage, "extraction failed")

	_, ok = mem.CardMaster(testCardID)
	assert.False(t, ok, "no projection rows on extraction failure")
}

func TestTransientFetchFailureLeavesEventForRescan(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	p.setCard("1x Sign $100", nil)
	p.fetcher.err = errors.New("network down")

	p.processor.Process(context.Background(), notif("E8", models.ActionCreateCard, "1x Sign $100", nil))

	ev, ok := mem.Event("E8")
	require.True(t, ok)
	assert.False(t, ev.Processed)

	// The fetch recovers; the rescan loop re-drives the stored payload.
	p.fetcher.err = nil
	rescanner := NewRescanner(mem, p.processor, time.Hour, 0)
	rescanner.scan(context.Background())

	ev, ok = mem.Event("E8")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.True(t, ev.ExtractionTriggered)
	require.Len(t, mem.LineItemsCurrent(testCardID), 1)
}

func TestDeferredFinalizeQueuedAndReplayed(t *testing.T) {
	mem := memory.New()
	fs := &flakyStore{Store: mem, deferFinalize: 1}
	p := newPipeline(fs, mem)
	p.setCard("1x Sign $100", nil)

	p.processor.Process(context.Background(), notif("E9", models.ActionCreateCard, "1x Sign $100", nil))

	ev, ok := mem.Event("E9")
	require.True(t, ok)
	assert.False(t, ev.Processed)

	entries := mem.PendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpFinalizeEvent, entries[0].Operation)

	time.Sleep(5 * time.Millisecond)
	p.worker.drain(context.Background())

	ev, ok = mem.Event("E9")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.True(t, ev.ExtractionTriggered)
}

func TestMetadataOnlyPreservesEnrichment(t *testing.T) {
	mem := memory.New()
	p := newPipeline(mem, mem)
	p.setCard("1x Sign $100", nil)
	p.processor.Process(context.Background(), notif("E1", models.ActionCreateCard, "1x Sign $100", nil))

	// Archive the card: metadata only.
	p.setCard("1x Sign $100", func(c *trello.Card) { c.Closed = true })
	p.processor.Process(context.Background(), notif("E10", models.ActionUpdateCard, "1x Sign $100", func(w *models.WebhookPayload) {
		closed := false
		w.Action.Data.Card.Closed = true
		w.Action.Data.Old = &models.OldRef{Closed: &closed}
	}))

	current, err := mem.GetCardCurrent(context.Background(), testCardID)
	require.NoError(t, err)
	assert.True(t, current.Closed)
	assert.Equal(t, models.EventTypeArchived, current.LastEventType)
	assert.Equal(t, "Acme", current.Purchaser)
	assert.Equal(t, "E1", current.LastExtractionEventID)
	require.NotNil(t, current.LastExtractedAt)
	assert.Equal(t, 1, p.extractor.calls)
}
