package trello

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// RegisterWebhook subscribes the callback URL to a board's action stream.
// Trello issues a synchronous HEAD request to the callback during
// registration, so the receiving server must already be up.
func (c *Client) RegisterWebhook(ctx context.Context, boardID, callbackURL, description string) (*Webhook, error) {
	body, err := c.do(ctx, http.MethodPost, "/webhooks", url.Values{
		"idModel":     {boardID},
		"callbackURL": {callbackURL},
		"description": {description},
	})
	if err != nil {
		return nil, fmt.Errorf("register webhook for board %s: %w", boardID, err)
	}
	var wh Webhook
	if err := decodeJSON(body, &wh); err != nil {
		return nil, err
	}
	return &wh, nil
}

// ListWebhooks lists every webhook registered under the token.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	body, err := c.do(ctx, http.MethodGet, "/tokens/"+url.PathEscape(c.apiToken)+"/webhooks", nil)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	var whs []Webhook
	if err := decodeJSON(body, &whs); err != nil {
		return nil, err
	}
	return whs, nil
}

// DeleteWebhook removes a webhook subscription by id.
func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/webhooks/"+url.PathEscape(webhookID), nil); err != nil {
		return fmt.Errorf("delete webhook %s: %w", webhookID, err)
	}
	return nil
}
