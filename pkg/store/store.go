// Package store defines the typed operations the pipeline needs from the
// analytical store, and the error taxonomy those operations surface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ST33ZEmachine/printshop/pkg/models"
)

// Error taxonomy. Callers branch on these with errors.Is; everything else
// coming out of a Store is a permanent failure.
var (
	// ErrDuplicateEvent means the event id already has an audit row.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrDeferred means the store rejected a mutation transiently (rows still
	// in the streaming buffer). The operation must be queued for retry, not
	// treated as failed.
	ErrDeferred = errors.New("operation deferred by streaming buffer")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// FinalizeStatus carries the terminal processing status written back onto an
// event's audit row.
type FinalizeStatus struct {
	Success             bool
	ExtractionTriggered bool
	ErrorMessage        string
}

// Store is the adapter over the analytical warehouse. Implementations:
// bigquery (production) and memory (tests, local runs).
//
// All mutating methods may return ErrDeferred. Time arguments are absolute
// UTC; implementations truncate to millisecond resolution.
type Store interface {
	// InsertEvent appends an audit row. Returns ErrDuplicateEvent when the
	// event id is already recorded.
	InsertEvent(ctx context.Context, ev *models.Event) error

	// EventExists reports whether an audit row exists for the event id.
	EventExists(ctx context.Context, eventID string) (bool, error)

	// FinalizeEvent writes the processing-status fields of an event row.
	FinalizeEvent(ctx context.Context, eventID string, status FinalizeStatus) error

	// LastKnownDescription returns the most recently recorded description for
	// a card: cards_current first, falling back to the newest processed event's
	// raw payload. ok is false when the card has never been seen.
	LastKnownDescription(ctx context.Context, cardID string) (desc string, ok bool, err error)

	// CardInMaster reports whether the card has a master snapshot row.
	CardInMaster(ctx context.Context, cardID string) (bool, error)

	// InsertCardMasterIfAbsent appends the first-observation snapshot.
	// Idempotent: returns inserted=false without writing when a row exists.
	InsertCardMasterIfAbsent(ctx context.Context, card *models.CardMaster) (inserted bool, err error)

	// GetCardCurrent reads the current-state projection for a card.
	// Returns ErrNotFound when no row exists.
	GetCardCurrent(ctx context.Context, cardID string) (*models.CardCurrent, error)

	// UpsertCardCurrent replaces the projection row keyed by card id.
	UpsertCardCurrent(ctx context.Context, card *models.CardCurrent) error

	// InsertLineItemsMaster appends line items to the master table. No-op when
	// any row already exists for the card (the set is immutable per key).
	InsertLineItemsMaster(ctx context.Context, cardID string, items []models.LineItem) error

	// ReplaceLineItemsCurrent atomically swaps the card's current line-item
	// set for the given one. Readers may observe the old or the new complete
	// set, never a partial merge.
	ReplaceLineItemsCurrent(ctx context.Context, cardID string, items []models.LineItem) error

	// EnqueuePending appends a retry-queue entry in status pending.
	EnqueuePending(ctx context.Context, op *models.PendingUpdate) error

	// ClaimPending transitions up to limit due pending entries to processing
	// and returns them. Claims never overlap across workers.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]*models.PendingUpdate, error)

	// CompletePending marks a claimed entry completed.
	CompletePending(ctx context.Context, updateID string, completedAt time.Time) error

	// RequeuePending returns a claimed entry to pending with an incremented
	// retry count and a backoff-computed next attempt time.
	RequeuePending(ctx context.Context, updateID string, retryCount int, nextRetryAt time.Time, errMsg string) error

	// FailPending marks a claimed entry terminally failed.
	FailPending(ctx context.Context, updateID string, errMsg string) error

	// PendingCountForEvent counts pending/processing entries attached to an
	// event. Zero means every deferred operation for the event has resolved.
	PendingCountForEvent(ctx context.Context, eventID string) (int, error)

	// UnfinalizedEvents lists events still processed=false whose ingest time
	// is older than the threshold and which have no live pending entries
	// blocking them. Used by the rescan loop to re-drive abandoned work.
	UnfinalizedEvents(ctx context.Context, olderThan time.Time, limit int) ([]*models.Event, error)
}
