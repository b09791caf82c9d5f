package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernlab/evalsvc/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
	assert.Equal(t, 20, cfg.MaxQueueSize)
	assert.Equal(t, 50, cfg.DailyEvalLimit)
	assert.True(t, cfg.EnableRemediation)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MAX_CONCURRENT_JOBS", "8")
	t.Setenv("DAILY_EVAL_LIMIT", "0")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, 8, cfg.MaxConcurrentJobs)
	assert.Equal(t, 0, cfg.DailyEvalLimit)
}

func TestGetRetryConfig(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	rc := cfg.GetRetryConfig()
	assert.Equal(t, cfg.RetryMaxRetries, rc.MaxRetries)
	assert.Equal(t, cfg.RetryInitialDelay, rc.InitialDelay)
	assert.Equal(t, cfg.RetryMaxDelay, rc.MaxDelay)
	assert.Equal(t, cfg.RetryMultiplier, rc.Multiplier)
}
