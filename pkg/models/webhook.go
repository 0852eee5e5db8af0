package models

import (
	"encoding/json"
	"time"
)

// WebhookPayload is the JSON body Trello posts to the callback URL. Only the
// action envelope is modeled; the board model echo is kept opaque.
type WebhookPayload struct {
	Action Action          `json:"action"`
	Model  json.RawMessage `json:"model"`
}

// Action is the change record inside a webhook delivery.
type Action struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Date          string     `json:"date"`
	MemberCreator *Member    `json:"memberCreator"`
	Data          ActionData `json:"data"`
}

// ActionDate parses the action timestamp. A missing or unparseable date
// yields the zero time.
func (a *Action) ActionDate() time.Time {
	t, err := time.Parse(time.RFC3339, a.Date)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// ActionData carries the entities the action touched. Which references are
// present depends on the action type.
type ActionData struct {
	Board      *BoardRef `json:"board"`
	Card       *CardRef  `json:"card"`
	List       *ListRef  `json:"list"`
	ListBefore *ListRef  `json:"listBefore"`
	ListAfter  *ListRef  `json:"listAfter"`
	Old        *OldRef   `json:"old"`
}

// IsListTransition reports whether the action moved a card between lists.
// Both list refs must be present and name different lists; some deliveries
// echo identical before/after refs for in-list reorders.
func (d *ActionData) IsListTransition() bool {
	return d.ListBefore != nil && d.ListAfter != nil && d.ListBefore.ID != d.ListAfter.ID
}

// CurrentList resolves the card's list after the action: the transition
// target wins, then the plain list reference, then the card's own idList.
func (d *ActionData) CurrentList() (id, name string) {
	switch {
	case d.ListAfter != nil:
		return d.ListAfter.ID, d.ListAfter.Name
	case d.List != nil:
		return d.List.ID, d.List.Name
	case d.Card != nil:
		return d.Card.IDList, ""
	}
	return "", ""
}

// BoardRef identifies the board an action happened on.
type BoardRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CardRef is the card slice of an action payload.
type CardRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Desc   string `json:"desc"`
	IDList string `json:"idList"`
	Closed bool   `json:"closed"`
}

// OldRef is the "old" slice of an updateCard action: only the fields the
// action changed are present, hence the pointers.
type OldRef struct {
	Name   *string `json:"name"`
	Desc   *string `json:"desc"`
	Closed *bool   `json:"closed"`
	IDList *string `json:"idList"`
}

// ListRef identifies a list (column) on a board.
type ListRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Member identifies the user who performed an action.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

// Notification is a parsed, validated delivery on its way to the dispatcher.
type Notification struct {
	EventID    string
	ActionType string
	ActionDate time.Time
	CardID     string

	Payload    *WebhookPayload
	RawPayload []byte
	ReceivedAt time.Time
}
