// Package trello is a minimal Trello REST API client covering card reads and
// webhook management. Requests are rate-limited client-side and transient
// failures are retried with jittered exponential backoff.
package trello

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const baseURL = "https://api.trello.com/1"

// ErrCardAbsent is returned when the card no longer exists (deleted or the
// token lost access to it).
var ErrCardAbsent = errors.New("card absent")

// apiError is a non-2xx response from the Trello API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("trello api: status %d: %s", e.Status, e.Body)
}

func (e *apiError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client talks to the Trello REST API with shared credentials.
type Client struct {
	apiKey   string
	apiToken string
	httpc    *http.Client
	limiter  *rate.Limiter
	baseURL  string
}

// NewClient builds a client. timeout bounds each individual HTTP request.
// The limiter stays under Trello's documented 300 requests per 10 seconds
// per token.
func NewClient(apiKey, apiToken string, timeout time.Duration) *Client {
	return &Client{
		apiKey:   apiKey,
		apiToken: apiToken,
		httpc:    &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(10*time.Second/300), 30),
		baseURL:  baseURL,
	}
}

// GetCard fetches the full card resource, attachments included.
// Returns ErrCardAbsent when the API answers 404.
func (c *Client) GetCard(ctx context.Context, cardID string) (*Card, error) {
	var card Card
	err := c.getJSON(ctx, "/cards/"+url.PathEscape(cardID), url.Values{
		"fields":      {"all"},
		"attachments": {"true"},
	}, &card)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("card %s: %w", cardID, ErrCardAbsent)
		}
		return nil, err
	}
	return &card, nil
}

// GetBoard fetches a board by id.
func (c *Client) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	var board Board
	if err := c.getJSON(ctx, "/boards/"+url.PathEscape(boardID), nil, &board); err != nil {
		return nil, err
	}
	return &board, nil
}

// ListBoards lists boards visible to the token.
func (c *Client) ListBoards(ctx context.Context) ([]Board, error) {
	var boards []Board
	err := c.getJSON(ctx, "/members/me/boards", url.Values{
		"fields": {"name,closed,url"},
	}, &boards)
	if err != nil {
		return nil, err
	}
	return boards, nil
}

// do issues one rate-limited request with auth appended, retrying transient
// failures up to the backoff ceiling.
func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("key", c.apiKey)
	query.Set("token", c.apiToken)
	reqURL := c.baseURL + path + "?" + query.Encode()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(10*time.Second),
	), 4), ctx)

	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			// Network errors and timeouts are worth another attempt.
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if apiErr.retryable() {
				slog.Warn("Trello request failed, retrying",
					"method", method, "path", path, "status", resp.StatusCode)
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		body = data
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}
	return decodeJSON(body, out)
}

func decodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode trello response: %w", err)
	}
	return nil
}
