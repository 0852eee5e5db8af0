package trello

// Card is the card resource as returned by the Trello REST API, limited to
// the fields the pipeline consumes.
type Card struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Desc             string       `json:"desc"`
	Closed           bool         `json:"closed"`
	IDList           string       `json:"idList"`
	IDBoard          string       `json:"idBoard"`
	DateLastActivity string       `json:"dateLastActivity"`
	Labels           []Label      `json:"labels"`
	Attachments      []Attachment `json:"attachments"`
}

// Label is a card label.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Attachment is a file or link attached to a card.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}

// Board is a board resource, used by the webhook management commands.
type Board struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
	URL    string `json:"url"`
}

// List is a list (column) on a board.
type List struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
}

// Webhook is a registered webhook subscription.
type Webhook struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	IDModel     string `json:"idModel"`
	CallbackURL string `json:"callbackURL"`
	Active      bool   `json:"active"`
}
