package models

import "time"

// Action types that drive state projection. All other types are recorded
// but trigger no downstream work.
const (
	ActionCreateCard = "createCard"
	ActionUpdateCard = "updateCard"
)

// Event types written to cards_current.last_event_type. createCard is stored
// as-is; updateCard is subtyped by what actually changed.
const (
	EventTypeCreate       = "createCard"
	EventTypeDescChanged  = "updateCard:desc_changed"
	EventTypeListMoved    = "updateCard:list_moved"
	EventTypeArchived     = "updateCard:archived"
	EventTypeUnarchived   = "updateCard:unarchived"
	EventTypeTitleChanged = "updateCard:title_changed"
	EventTypeOther        = "updateCard:other"
)

// Event is one row of the append-only notification audit trail.
// Rows are created once on intake; only the processing-status fields
// (Processed, ProcessedAt, ExtractionTriggered, ErrorMessage) are ever
// updated, and at most once.
type Event struct {
	EventID    string
	ActionType string
	ActionDate time.Time
	CardID     string

	BoardID   string
	BoardName string

	ListID         string
	ListName       string
	ListBeforeID   string
	ListBeforeName string
	ListAfterID    string
	ListAfterName  string

	IsListTransition bool

	MemberCreatorID       string
	MemberCreatorUsername string

	// RawPayload is the delivery verbatim, stored opaque so events can be
	// reprocessed without another round-trip to the source platform.
	RawPayload []byte

	Processed           bool
	ProcessedAt         *time.Time
	ExtractionTriggered bool
	ErrorMessage        string

	CreatedAt time.Time
}

// EventFromNotification builds the audit row for a parsed notification.
func EventFromNotification(n *Notification) *Event {
	data := &n.Payload.Action.Data

	ev := &Event{
		EventID:          n.EventID,
		ActionType:       n.ActionType,
		ActionDate:       n.ActionDate,
		CardID:           n.CardID,
		IsListTransition: data.IsListTransition(),
		RawPayload:       n.RawPayload,
		CreatedAt:        n.ReceivedAt,
	}

	if data.Board != nil {
		ev.BoardID = data.Board.ID
		ev.BoardName = data.Board.Name
	}
	ev.ListID, ev.ListName = data.CurrentList()
	if data.ListBefore != nil {
		ev.ListBeforeID = data.ListBefore.ID
		ev.ListBeforeName = data.ListBefore.Name
	}
	if data.ListAfter != nil {
		ev.ListAfterID = data.ListAfter.ID
		ev.ListAfterName = data.ListAfter.Name
	}
	if mc := n.Payload.Action.MemberCreator; mc != nil {
		ev.MemberCreatorID = mc.ID
		ev.MemberCreatorUsername = mc.Username
	}
	return ev
}
