package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSQLite(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "test.db")
}

func TestLoadDefaults(t *testing.T) {
	setSQLite(t)
	for _, k := range []string{"PORT", "SOURCES", "SCRAPE_INTERVAL", "FETCH_CONCURRENCY", "FETCH_RPS", "FETCH_TIMEOUT", "FETCH_RETRIES", "INTERPRET_WORKERS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.Sources)
	assert.Equal(t, time.Hour, cfg.ScrapeInterval)
	assert.Equal(t, 8, cfg.FetchConcurrency)
	assert.Equal(t, 20*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 2, cfg.FetchRetries)
	assert.Equal(t, 4, cfg.InterpretWorkers)
}

func TestLoadOverrides(t *testing.T) {
	setSQLite(t)
	t.Setenv("SOURCES", " MegaImage , ,metro")
	t.Setenv("SCRAPE_INTERVAL", "900")
	t.Setenv("FETCH_CONCURRENCY", "3")
	t.Setenv("FETCH_RPS", "2.5")
	t.Setenv("FETCH_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"megaimage", "metro"}, cfg.Sources)
	assert.Equal(t, 15*time.Minute, cfg.ScrapeInterval)
	assert.Equal(t, 3, cfg.FetchConcurrency)
	assert.InDelta(t, 2.5, cfg.FetchRPS, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
}

func TestLoadRejectsNonPositiveConcurrency(t *testing.T) {
	setSQLite(t)
	t.Setenv("FETCH_CONCURRENCY", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FETCH_CONCURRENCY")
}

func TestLoadRejectsIncompletePostgres(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_HOST", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	setSQLite(t)
	t.Setenv("FETCH_CONCURRENCY", "sixteen")
	t.Setenv("SCRAPE_INTERVAL", "1 hour")
	t.Setenv("FETCH_RPS", "fast")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FETCH_CONCURRENCY")
	assert.Contains(t, err.Error(), "SCRAPE_INTERVAL")
	assert.Contains(t, err.Error(), "FETCH_RPS")
}
