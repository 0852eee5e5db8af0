// Package config holds the environment-driven service configuration.
//
// All settings come from environment variables (a .env file is loaded by the
// entrypoint before parsing). Defaults are production-sensible; only the
// external credentials are required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full configuration for the webhook service.
type Config struct {
	// HTTPPort is the listen port for the webhook callback server.
	HTTPPort int

	// BigQueryProject and BigQueryDataset locate the analytical tables.
	BigQueryProject string
	BigQueryDataset string

	// Trello API credentials and the publicly reachable callback URL that
	// webhook registrations point at.
	TrelloAPIKey      string
	TrelloAPIToken    string
	TrelloCallbackURL string

	// AnthropicAPIKey authenticates the extraction model calls.
	AnthropicAPIKey string

	// ExtractorModel is the model used for line-item extraction.
	ExtractorModel string

	// ExtractorTimeout bounds a single extraction call (both phases share it).
	ExtractorTimeout time.Duration

	// TrelloFetchTimeout bounds a single card fetch from the Trello API.
	TrelloFetchTimeout time.Duration

	// WorkerConcurrency is the dispatcher pool size.
	WorkerConcurrency int

	// IntakeBuffer is the capacity of the ack-then-dispatch channel between
	// the HTTP handler and the worker pool.
	IntakeBuffer int

	// RetryTick is how often the retry worker polls for due pending updates.
	RetryTick time.Duration

	// RetryBase is the base delay for exponential retry backoff.
	RetryBase time.Duration

	// RetryMaxAttempts is the attempt ceiling before a pending update is
	// marked failed.
	RetryMaxAttempts int

	// MaxInputLength caps the description characters sent to the extractor.
	MaxInputLength int

	// RescanInterval is how often the rescan loop looks for stale
	// unfinalized events; RescanThreshold is how old an event must be to
	// qualify.
	RescanInterval  time.Duration
	RescanThreshold time.Duration
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		BigQueryProject:    os.Getenv("BIGQUERY_PROJECT"),
		BigQueryDataset:    getEnv("BIGQUERY_DATASET", "trello_orders"),
		TrelloAPIKey:       os.Getenv("TRELLO_API_KEY"),
		TrelloAPIToken:     os.Getenv("TRELLO_API_TOKEN"),
		TrelloCallbackURL:  os.Getenv("TRELLO_CALLBACK_URL"),
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		ExtractorModel:     getEnv("EXTRACTOR_MODEL", "claude-3-5-haiku-latest"),
		ExtractorTimeout:   getEnvSeconds("EXTRACTOR_TIMEOUT_S", 300),
		TrelloFetchTimeout: getEnvSeconds("TRELLO_FETCH_TIMEOUT_S", 30),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 8),
		IntakeBuffer:       getEnvInt("INTAKE_BUFFER", 256),
		RetryTick:          getEnvSeconds("RETRY_TICK_S", 30),
		RetryBase:          getEnvSeconds("RETRY_BASE_S", 60),
		RetryMaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 10),
		MaxInputLength:     getEnvInt("MAX_INPUT_LENGTH", 10000),
		RescanInterval:     getEnvSeconds("RESCAN_INTERVAL_S", 300),
		RescanThreshold:    getEnvSeconds("RESCAN_THRESHOLD_S", 900),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and numeric sanity.
func (c *Config) Validate() error {
	if c.BigQueryProject == "" {
		return fmt.Errorf("BIGQUERY_PROJECT is required")
	}
	if c.BigQueryDataset == "" {
		return fmt.Errorf("BIGQUERY_DATASET must not be empty")
	}
	if c.TrelloAPIKey == "" || c.TrelloAPIToken == "" {
		return fmt.Errorf("TRELLO_API_KEY and TRELLO_API_TOKEN are required")
	}
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.IntakeBuffer < 1 {
		return fmt.Errorf("INTAKE_BUFFER must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.MaxInputLength < 1 {
		return fmt.Errorf("MAX_INPUT_LENGTH must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSeconds)) * time.Second
}
