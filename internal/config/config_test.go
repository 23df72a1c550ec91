package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openrouter", cfg.SubsidizedProvider)
	assert.Equal(t, 2*time.Minute, cfg.StaleAfter)
	assert.Equal(t, float64(1), cfg.ProbeCents)
	assert.Equal(t, cfg.JWTSecret, cfg.KeySecret)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "daily_limit_cents: 25\nstale_after: 90s\nsubsidized_provider: \" OpenRouter \"\nworker_concurrency: 500\nredis_addr: redis:6379\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("PROBE_CENTS", "2.5")
	t.Setenv("REAP_INTERVAL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, float64(25), cfg.DailyLimitCents)
	assert.Equal(t, 90*time.Second, cfg.StaleAfter)
	assert.Equal(t, "openrouter", cfg.SubsidizedProvider)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.Equal(t, 2.5, cfg.ProbeCents)
	assert.Equal(t, time.Minute, cfg.ReapInterval)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
