package extract

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	llmMaxRetries     = 3
	llmInitialBackoff = 1 * time.Second
	llmMaxTokens      = 4096
)

// Completer is the LLM surface the extractor needs. Tests substitute a fake.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// anthropicClient wraps the Anthropic API with bounded retry.
type anthropicClient struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropicClient builds the production Completer.
func NewAnthropicClient(apiKey, model string) (Completer, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key required")
	}
	return &anthropicClient{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     llmMaxRetries,
		initialBackoff: llmInitialBackoff,
	}, nil
}

// Complete sends one system+user exchange and returns the text of the first
// content block. Rate limits and 5xx responses are retried with exponential
// backoff; everything else fails immediately.
func (c *anthropicClient) Complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: llmMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
