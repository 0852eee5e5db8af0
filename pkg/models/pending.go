package models

import (
	"encoding/json"
	"time"
)

// OperationKind identifies a deferrable store operation captured in the
// retry queue.
type OperationKind string

// Operation kinds.
const (
	OpUpsertCard       OperationKind = "upsert_card"
	OpReplaceLineItems OperationKind = "replace_line_items"
	OpFinalizeEvent    OperationKind = "finalize_event"
)

// PendingStatus is the lifecycle state of a retry-queue entry.
type PendingStatus string

// Pending statuses.
const (
	PendingStatusPending    PendingStatus = "pending"
	PendingStatusProcessing PendingStatus = "processing"
	PendingStatusCompleted  PendingStatus = "completed"
	PendingStatusFailed     PendingStatus = "failed"
)

// PendingUpdate is one deferred store operation awaiting retry. The payload
// carries everything needed to re-attempt the operation without consulting
// the source platform again.
type PendingUpdate struct {
	UpdateID    string
	Operation   OperationKind
	TargetTable string
	EventID     string
	Payload     json.RawMessage

	RetryCount    int
	FirstQueuedAt time.Time
	LastRetryAt   *time.Time
	NextRetryAt   time.Time

	Status       PendingStatus
	ErrorMessage string
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

// UpsertCardPayload re-attempts an upsert of cards_current. Finalize carries
// the event status to write once every deferred operation for the event has
// resolved.
type UpsertCardPayload struct {
	EventID  string                `json:"event_id"`
	Card     *CardCurrent          `json:"card"`
	Finalize *FinalizeEventPayload `json:"finalize,omitempty"`
}

// ReplaceLineItemsPayload re-attempts an atomic replace of a card's
// line_items_current set.
type ReplaceLineItemsPayload struct {
	EventID  string                `json:"event_id"`
	CardID   string                `json:"card_id"`
	Items    []LineItem            `json:"items"`
	Finalize *FinalizeEventPayload `json:"finalize,omitempty"`
}

// FinalizeEventPayload re-attempts marking an event's processing status.
type FinalizeEventPayload struct {
	EventID             string `json:"event_id"`
	Success             bool   `json:"success"`
	ExtractionTriggered bool   `json:"extraction_triggered"`
	ErrorMessage        string `json:"error_message,omitempty"`
}
