// Package memory is an in-memory Store used by tests and local runs.
// It mirrors the warehouse semantics (append-only masters, single current
// row per card, claim-once pending entries) without the streaming buffer.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ST33ZEmachine/printshop/pkg/models"
	"github.com/ST33ZEmachine/printshop/pkg/store"
)

// Store is a map-backed store.Store. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	events      map[string]*models.Event
	cardsMaster map[string]*models.CardMaster
	cardsNow    map[string]*models.CardCurrent
	itemsMaster map[string][]models.LineItem
	itemsNow    map[string][]models.LineItem
	pending     map[string]*models.PendingUpdate
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		events:      make(map[string]*models.Event),
		cardsMaster: make(map[string]*models.CardMaster),
		cardsNow:    make(map[string]*models.CardCurrent),
		itemsMaster: make(map[string][]models.LineItem),
		itemsNow:    make(map[string][]models.LineItem),
		pending:     make(map[string]*models.PendingUpdate),
	}
}

var _ store.Store = (*Store)(nil)

// InsertEvent appends an audit row, enforcing event-id uniqueness.
func (s *Store) InsertEvent(_ context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.EventID]; ok {
		return store.ErrDuplicateEvent
	}
	cp := *ev
	s.events[ev.EventID] = &cp
	return nil
}

// EventExists reports whether the event id is recorded.
func (s *Store) EventExists(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// FinalizeEvent writes the processing-status fields of an event row.
func (s *Store) FinalizeEvent(_ context.Context, eventID string, st store.FinalizeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	ev.Processed = true
	ev.ProcessedAt = &now
	ev.ExtractionTriggered = st.ExtractionTriggered
	ev.ErrorMessage = st.ErrorMessage
	if !st.Success && st.ErrorMessage == "" {
		ev.ErrorMessage = "processing failed"
	}
	return nil
}

// LastKnownDescription reads cards_current first, then falls back to the
// newest processed event's raw payload for the card.
func (s *Store) LastKnownDescription(_ context.Context, cardID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cardsNow[cardID]; ok {
		return cur.Desc, true, nil
	}

	var newest *models.Event
	for _, ev := range s.events {
		if ev.CardID != cardID || !ev.Processed {
			continue
		}
		if newest == nil || ev.CreatedAt.After(newest.CreatedAt) {
			newest = ev
		}
	}
	if newest == nil {
		return "", false, nil
	}
	var payload models.WebhookPayload
	if err := json.Unmarshal(newest.RawPayload, &payload); err != nil {
		return "", false, nil
	}
	if payload.Action.Data.Card == nil {
		return "", false, nil
	}
	return payload.Action.Data.Card.Desc, true, nil
}

// CardInMaster reports whether the card has a master snapshot.
func (s *Store) CardInMaster(_ context.Context, cardID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cardsMaster[cardID]
	return ok, nil
}

// InsertCardMasterIfAbsent appends the first-observation snapshot once.
func (s *Store) InsertCardMasterIfAbsent(_ context.Context, card *models.CardMaster) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cardsMaster[card.CardID]; ok {
		return false, nil
	}
	cp := *card
	s.cardsMaster[card.CardID] = &cp
	return true, nil
}

// GetCardCurrent reads the projection row for a card.
func (s *Store) GetCardCurrent(_ context.Context, cardID string) (*models.CardCurrent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cardsNow[cardID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

// UpsertCardCurrent replaces the projection row keyed by card id.
func (s *Store) UpsertCardCurrent(_ context.Context, card *models.CardCurrent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *card
	s.cardsNow[card.CardID] = &cp
	return nil
}

// InsertLineItemsMaster appends the immutable line-item set for a card.
// No-op when any row already exists for the key.
func (s *Store) InsertLineItemsMaster(_ context.Context, cardID string, items []models.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.itemsMaster[cardID]) > 0 {
		return nil
	}
	s.itemsMaster[cardID] = append([]models.LineItem(nil), items...)
	return nil
}

// ReplaceLineItemsCurrent swaps the card's current line-item set atomically.
func (s *Store) ReplaceLineItemsCurrent(_ context.Context, cardID string, items []models.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsNow[cardID] = append([]models.LineItem(nil), items...)
	return nil
}

// EnqueuePending appends a retry-queue entry.
func (s *Store) EnqueuePending(_ context.Context, op *models.PendingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.pending[op.UpdateID] = &cp
	return nil
}

// ClaimPending atomically claims up to limit due entries.
func (s *Store) ClaimPending(_ context.Context, limit int, now time.Time) ([]*models.PendingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*models.PendingUpdate, 0, limit)
	for _, op := range s.pending {
		if op.Status == models.PendingStatusPending && !op.NextRetryAt.After(now) {
			due = append(due, op)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FirstQueuedAt.Before(due[j].FirstQueuedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.PendingUpdate, 0, len(due))
	for _, op := range due {
		op.Status = models.PendingStatusProcessing
		t := now
		op.LastRetryAt = &t
		cp := *op
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// CompletePending marks a claimed entry completed.
func (s *Store) CompletePending(_ context.Context, updateID string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.pending[updateID]
	if !ok {
		return store.ErrNotFound
	}
	op.Status = models.PendingStatusCompleted
	t := completedAt
	op.CompletedAt = &t
	return nil
}

// RequeuePending returns a claimed entry to pending for a later attempt.
func (s *Store) RequeuePending(_ context.Context, updateID string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.pending[updateID]
	if !ok {
		return store.ErrNotFound
	}
	op.Status = models.PendingStatusPending
	op.RetryCount = retryCount
	op.NextRetryAt = nextRetryAt
	op.ErrorMessage = errMsg
	return nil
}

// FailPending marks a claimed entry terminally failed.
func (s *Store) FailPending(_ context.Context, updateID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.pending[updateID]
	if !ok {
		return store.ErrNotFound
	}
	op.Status = models.PendingStatusFailed
	op.ErrorMessage = errMsg
	return nil
}

// PendingCountForEvent counts unresolved entries attached to an event.
func (s *Store) PendingCountForEvent(_ context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.pending {
		if op.EventID == eventID &&
			(op.Status == models.PendingStatusPending || op.Status == models.PendingStatusProcessing) {
			n++
		}
	}
	return n, nil
}

// UnfinalizedEvents lists stale unprocessed events with no live pending work.
func (s *Store) UnfinalizedEvents(_ context.Context, olderThan time.Time, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocked := make(map[string]bool)
	for _, op := range s.pending {
		if op.Status == models.PendingStatusPending || op.Status == models.PendingStatusProcessing {
			blocked[op.EventID] = true
		}
	}

	var out []*models.Event
	for _, ev := range s.events {
		if ev.Processed || !ev.CreatedAt.Before(olderThan) || blocked[ev.EventID] {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Event returns the stored audit row for inspection in tests.
func (s *Store) Event(eventID string) (*models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}

// LineItemsCurrent returns the current line-item set for a card.
func (s *Store) LineItemsCurrent(cardID string) []models.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LineItem(nil), s.itemsNow[cardID]...)
}

// LineItemsMaster returns the master line-item set for a card.
func (s *Store) LineItemsMaster(cardID string) []models.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LineItem(nil), s.itemsMaster[cardID]...)
}

// CardMaster returns the master snapshot for a card.
func (s *Store) CardMaster(cardID string) (*models.CardMaster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.cardsMaster[cardID]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// PendingEntries returns all retry-queue entries, oldest first.
func (s *Store) PendingEntries() []*models.PendingUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.PendingUpdate, 0, len(s.pending))
	for _, op := range s.pending {
		cp := *op
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstQueuedAt.Before(out[j].FirstQueuedAt) })
	return out
}
