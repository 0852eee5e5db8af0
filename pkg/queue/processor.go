package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ST33ZEmachine/printshop/pkg/classify"
	"github.com/ST33ZEmachine/printshop/pkg/extract"
	"github.com/ST33ZEmachine/printshop/pkg/models"
	"github.com/ST33ZEmachine/printshop/pkg/store"
	"github.com/ST33ZEmachine/printshop/pkg/trello"
)

// CardFetcher reads the authoritative card state from the source platform.
type CardFetcher interface {
	GetCard(ctx context.Context, cardID string) (*trello.Card, error)
}

// Extractor runs the LLM extraction pipeline for one card.
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) (*extract.Result, error)
}

// Processor drives one notification through the pipeline: record the audit
// row, fetch the card, classify the change, run extraction when the
// description moved, project the result, finalize the event. All work for a
// card runs under that card's lock.
type Processor struct {
	store     store.Store
	cards     CardFetcher
	extractor Extractor
	locks     *KeyedMutex

	fetchTimeout   time.Duration
	extractTimeout time.Duration
	retryBase      time.Duration
}

// NewProcessor wires a processor. retryBase is the delay before the first
// retry of a deferred store operation.
func NewProcessor(st store.Store, cards CardFetcher, extractor Extractor, locks *KeyedMutex,
	fetchTimeout, extractTimeout, retryBase time.Duration) *Processor {
	return &Processor{
		store:          st,
		cards:          cards,
		extractor:      extractor,
		locks:          locks,
		fetchTimeout:   fetchTimeout,
		extractTimeout: extractTimeout,
		retryBase:      retryBase,
	}
}

// Process handles a freshly acknowledged notification.
func (p *Processor) Process(ctx context.Context, n *models.Notification) {
	log := slog.With("event_id", n.EventID, "card_id", n.CardID, "action_type", n.ActionType)

	p.locks.Lock(n.CardID)
	defer p.locks.Unlock(n.CardID)

	ev := models.EventFromNotification(n)
	if err := p.store.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			log.Debug("Duplicate delivery dropped")
			return
		}
		// Nothing recorded; the source platform will redeliver.
		log.Error("Failed to record event", "error", err)
		return
	}

	p.drive(ctx, log, n, ev)
}

// Rerun re-drives an already-recorded event from its stored payload. Used by
// the rescan loop; the audit row is not re-inserted.
func (p *Processor) Rerun(ctx context.Context, ev *models.Event) {
	log := slog.With("event_id", ev.EventID, "card_id", ev.CardID, "action_type", ev.ActionType, "rerun", true)

	var payload models.WebhookPayload
	if err := json.Unmarshal(ev.RawPayload, &payload); err != nil {
		log.Error("Stored payload unreadable, failing event", "error", err)
		p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{
			Success:      false,
			ErrorMessage: fmt.Sprintf("stored payload unreadable: %v", err),
		})
		return
	}
	n := &models.Notification{
		EventID:    ev.EventID,
		ActionType: ev.ActionType,
		ActionDate: ev.ActionDate,
		CardID:     ev.CardID,
		Payload:    &payload,
		RawPayload: ev.RawPayload,
		ReceivedAt: ev.CreatedAt,
	}

	p.locks.Lock(n.CardID)
	defer p.locks.Unlock(n.CardID)
	p.drive(ctx, log, n, ev)
}

// drive runs everything after the audit row exists. The caller holds the
// card lock.
func (p *Processor) drive(ctx context.Context, log *slog.Logger, n *models.Notification, ev *models.Event) {
	// 1. Triage: action kinds outside create/update are recorded and done.
	switch n.ActionType {
	case models.ActionCreateCard, models.ActionUpdateCard:
	default:
		p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{Success: true})
		return
	}

	// 2. Fetch the authoritative card state.
	fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	card, err := p.cards.GetCard(fctx, n.CardID)
	cancel()
	if err != nil {
		if errors.Is(err, trello.ErrCardAbsent) {
			p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{
				Success:      false,
				ErrorMessage: "card absent from source",
			})
			return
		}
		// Transient fetch failure: the event stays unfinalized and the
		// rescan loop re-drives it once the threshold passes.
		log.Error("Card fetch failed, leaving event for rescan", "error", err)
		return
	}

	// 3. Classify the change.
	inMaster, err := p.store.CardInMaster(ctx, n.CardID)
	if err != nil {
		log.Error("Master lookup failed, leaving event for rescan", "error", err)
		return
	}
	var lastDesc string
	var hasLast bool
	if inMaster {
		lastDesc, hasLast, err = p.store.LastKnownDescription(ctx, n.CardID)
		if err != nil {
			log.Error("Description lookup failed, leaving event for rescan", "error", err)
			return
		}
	}
	class := classify.Classify(classify.Input{
		ActionType:  n.ActionType,
		InMaster:    inMaster,
		FetchedDesc: card.Desc,
		LastDesc:    lastDesc,
		HasLast:     hasLast,
	})
	subtype := eventSubtype(n)
	log.Info("Notification classified", "classification", string(class), "event_type", subtype)

	// 4. Project.
	switch class {
	case classify.Irrelevant:
		p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{Success: true})
	case classify.MetadataOnly:
		p.applyMetadata(ctx, log, ev, card, subtype)
	case classify.New, classify.DescChanged:
		p.applyExtraction(ctx, log, ev, card, subtype, class == classify.New)
	}
}

// applyExtraction handles the new and desc_changed paths: run the extractor,
// then write the projections. Master tables are only touched for new cards.
func (p *Processor) applyExtraction(ctx context.Context, log *slog.Logger, ev *models.Event, card *trello.Card, subtype string, isNew bool) {
	ectx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	res, err := p.extractor.Extract(ectx, extract.Input{
		CardID: card.ID,
		Name:   card.Name,
		Desc:   card.Desc,
	})
	cancel()
	if err != nil {
		log.Error("Extraction failed", "error", err)
		p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{
			Success:             false,
			ExtractionTriggered: true,
			ErrorMessage:        fmt.Sprintf("extraction failed: %v", err),
		})
		return
	}

	now := time.Now().UTC()
	fields := buildCardFields(card, ev, res)

	if isNew {
		master := &models.CardMaster{
			CardFields:             fields,
			FirstExtractedAt:       now,
			FirstExtractionEventID: ev.EventID,
		}
		if _, err := p.store.InsertCardMasterIfAbsent(ctx, master); err != nil {
			log.Error("Master card insert failed", "error", err)
			p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{
				Success:             false,
				ExtractionTriggered: true,
				ErrorMessage:        fmt.Sprintf("master insert failed: %v", err),
			})
			return
		}
		if err := p.store.InsertLineItemsMaster(ctx, card.ID, res.Items); err != nil {
			log.Error("Master line items insert failed", "error", err)
			p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{
				Success:             false,
				ExtractionTriggered: true,
				ErrorMessage:        fmt.Sprintf("master line items insert failed: %v", err),
			})
			return
		}
	}

	current := &models.CardCurrent{
		CardFields:            fields,
		LastUpdatedAt:         now,
		LastExtractedAt:       &now,
		LastExtractionEventID: ev.EventID,
		LastEventType:         subtype,
	}
	final := store.FinalizeStatus{Success: true, ExtractionTriggered: true}
	deferred := false

	switch err := p.store.UpsertCardCurrent(ctx, current); {
	case err == nil:
	case errors.Is(err, store.ErrDeferred):
		p.enqueue(ctx, log, ev.EventID, models.OpUpsertCard, "cards_current", models.UpsertCardPayload{
			EventID:  ev.EventID,
			Card:     current,
			Finalize: finalizePayload(ev.EventID, final),
		})
		deferred = true
	default:
		log.Error("Current card upsert failed", "error", err)
		p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{
			Success:             false,
			ExtractionTriggered: true,
			ErrorMessage:        fmt.Sprintf("current upsert failed: %v", err),
		})
		return
	}

	switch err := p.store.ReplaceLineItemsCurrent(ctx, card.ID, res.Items); {
	case err == nil:
	case errors.Is(err, store.ErrDeferred):
		p.enqueue(ctx, log, ev.EventID, models.OpReplaceLineItems, "line_items_current", models.ReplaceLineItemsPayload{
			EventID:  ev.EventID,
			CardID:   card.ID,
			Items:    res.Items,
			Finalize: finalizePayload(ev.EventID, final),
		})
		deferred = true
	default:
		log.Error("Current line items replace failed", "error", err)
		p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{
			Success:             false,
			ExtractionTriggered: true,
			ErrorMessage:        fmt.Sprintf("line items replace failed: %v", err),
		})
		return
	}

	if deferred {
		// The retry worker finalizes once every pending entry for the event
		// has completed.
		log.Info("Store deferred writes, event left unfinalized", "line_items", len(res.Items))
		return
	}
	p.finalize(ctx, log, ev.EventID, final)
	log.Info("Extraction applied", "line_items", len(res.Items), "new_card", isNew)
}

// applyMetadata refreshes the current projection without touching extraction
// output. The existing row's enriched fields survive the write.
func (p *Processor) applyMetadata(ctx context.Context, log *slog.Logger, ev *models.Event, card *trello.Card, subtype string) {
	existing, err := p.store.GetCardCurrent(ctx, card.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("Current card lookup failed, leaving event for rescan", "error", err)
		return
	}

	now := time.Now().UTC()
	var current *models.CardCurrent
	if existing != nil {
		current = existing
		current.Name = card.Name
		current.Desc = card.Desc
		current.Labels = joinLabels(card.Labels)
		current.Closed = card.Closed
		current.DateLastActivity = parseAPITime(card.DateLastActivity)
		current.Purchaser, current.OrderSummary = extract.ParseTitle(card.Name)
		applyPlacement(&current.CardFields, card, ev)
	} else {
		// Master row exists but the projection is missing (an earlier upsert
		// never landed). Rebuild what we can without extraction.
		fields := buildCardFields(card, ev, nil)
		current = &models.CardCurrent{CardFields: fields}
	}
	current.LastUpdatedAt = now
	current.LastEventType = subtype

	final := store.FinalizeStatus{Success: true}
	switch err := p.store.UpsertCardCurrent(ctx, current); {
	case err == nil:
	case errors.Is(err, store.ErrDeferred):
		p.enqueue(ctx, log, ev.EventID, models.OpUpsertCard, "cards_current", models.UpsertCardPayload{
			EventID:  ev.EventID,
			Card:     current,
			Finalize: finalizePayload(ev.EventID, final),
		})
		log.Info("Store deferred metadata upsert, event left unfinalized")
		return
	default:
		log.Error("Current card upsert failed", "error", err)
		p.finalize(ctx, log, ev.EventID, store.FinalizeStatus{
			Success:      false,
			ErrorMessage: fmt.Sprintf("current upsert failed: %v", err),
		})
		return
	}
	p.finalize(ctx, log, ev.EventID, final)
}

// finalize writes the event's terminal status, queueing the write when the
// row is still in the streaming buffer.
func (p *Processor) finalize(ctx context.Context, log *slog.Logger, eventID string, status store.FinalizeStatus) {
	err := p.store.FinalizeEvent(ctx, eventID, status)
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrDeferred) {
		p.enqueue(ctx, log, eventID, models.OpFinalizeEvent, "webhook_events",
			*finalizePayload(eventID, status))
		return
	}
	// Row is recorded but unfinalized; the rescan loop re-drives it.
	log.Error("Failed to finalize event", "error", err)
}

// enqueue appends a retry-queue entry. The first attempt waits one base
// delay; the retry worker stretches it from there.
func (p *Processor) enqueue(ctx context.Context, log *slog.Logger, eventID string, kind models.OperationKind, targetTable string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode pending payload", "operation", string(kind), "error", err)
		return
	}
	now := time.Now().UTC()
	op := &models.PendingUpdate{
		UpdateID:      uuid.NewString(),
		Operation:     kind,
		TargetTable:   targetTable,
		EventID:       eventID,
		Payload:       body,
		FirstQueuedAt: now,
		NextRetryAt:   now.Add(p.retryBase),
		Status:        models.PendingStatusPending,
		CreatedAt:     now,
	}
	if err := p.store.EnqueuePending(ctx, op); err != nil {
		log.Error("Failed to enqueue pending update", "operation", string(kind), "error", err)
		return
	}
	log.Info("Pending update queued", "operation", string(kind), "update_id", op.UpdateID)
}

func finalizePayload(eventID string, status store.FinalizeStatus) *models.FinalizeEventPayload {
	return &models.FinalizeEventPayload{
		EventID:             eventID,
		Success:             status.Success,
		ExtractionTriggered: status.ExtractionTriggered,
		ErrorMessage:        status.ErrorMessage,
	}
}

// eventSubtype names what an action actually changed, for
// cards_current.last_event_type.
func eventSubtype(n *models.Notification) string {
	if n.ActionType == models.ActionCreateCard {
		return models.EventTypeCreate
	}
	d := &n.Payload.Action.Data
	switch {
	case d.Old != nil && d.Old.Desc != nil:
		return models.EventTypeDescChanged
	case d.IsListTransition():
		return models.EventTypeListMoved
	case d.Old != nil && d.Old.Closed != nil:
		if d.Card != nil && d.Card.Closed {
			return models.EventTypeArchived
		}
		return models.EventTypeUnarchived
	case d.Old != nil && d.Old.Name != nil:
		return models.EventTypeTitleChanged
	default:
		return models.EventTypeOther
	}
}

// buildCardFields assembles the shared projection columns from the fetched
// card, the event's board/list identity, and (optionally) extraction output.
func buildCardFields(card *trello.Card, ev *models.Event, res *extract.Result) models.CardFields {
	f := models.CardFields{
		CardID:           card.ID,
		Name:             card.Name,
		Desc:             card.Desc,
		Labels:           joinLabels(card.Labels),
		Closed:           card.Closed,
		DateLastActivity: parseAPITime(card.DateLastActivity),
	}
	extract.DeriveCreated(card.ID).Apply(&f)
	applyPlacement(&f, card, ev)

	if res != nil {
		f.Purchaser = res.Purchaser
		f.OrderSummary = res.OrderSummary
		f.PrimaryBuyerName = res.PrimaryBuyerName
		f.PrimaryBuyerEmail = res.PrimaryBuyerEmail
		f.LineItemCount = len(res.Items)
	} else {
		f.Purchaser, f.OrderSummary = extract.ParseTitle(card.Name)
	}
	return f
}

// applyPlacement sets list/board identity, preferring the event's resolved
// view (it knows about transitions) over the card's own references.
func applyPlacement(f *models.CardFields, card *trello.Card, ev *models.Event) {
	if ev.ListID != "" {
		f.ListID, f.ListName = ev.ListID, ev.ListName
	} else {
		f.ListID = card.IDList
	}
	if ev.BoardID != "" {
		f.BoardID, f.BoardName = ev.BoardID, ev.BoardName
	} else {
		f.BoardID = card.IDBoard
	}
}

func joinLabels(labels []trello.Label) string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		if name := strings.TrimSpace(l.Name); name != "" {
			names = append(names, name)
		}
	}
	return strings.Join(names, ", ")
}

func parseAPITime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}
