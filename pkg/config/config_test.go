package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BIGQUERY_PROJECT", "test-project")
	t.Setenv("TRELLO_API_KEY", "key")
	t.Setenv("TRELLO_API_TOKEN", "token")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "trello_orders", cfg.BigQueryDataset)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.ExtractorModel)
	assert.Equal(t, 300*time.Second, cfg.ExtractorTimeout)
	assert.Equal(t, 30*time.Second, cfg.TrelloFetchTimeout)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 256, cfg.IntakeBuffer)
	assert.Equal(t, 30*time.Second, cfg.RetryTick)
	assert.Equal(t, 60*time.Second, cfg.RetryBase)
	assert.Equal(t, 10, cfg.RetryMaxAttempts)
	assert.Equal(t, 10000, cfg.MaxInputLength)
	assert.Equal(t, 300*time.Second, cfg.RescanInterval)
	assert.Equal(t, 900*time.Second, cfg.RescanThreshold)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("BIGQUERY_DATASET", "orders_staging")
	t.Setenv("WORKER_CONCURRENCY", "2")
	t.Setenv("RETRY_BASE_S", "5")
	t.Setenv("EXTRACTOR_MODEL", "claude-sonnet-4-5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "orders_staging", cfg.BigQueryDataset)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 5*time.Second, cfg.RetryBase)
	assert.Equal(t, "claude-sonnet-4-5", cfg.ExtractorModel)
}

func TestLoadMissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BIGQUERY_PROJECT", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BIGQUERY_PROJECT")
}

func TestValidateRanges(t *testing.T) {
	setRequiredEnv(t)

	t.Setenv("HTTP_PORT", "70000")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("WORKER_CONCURRENCY", "0")
	_, err = Load()
	assert.Error(t, err)
}
