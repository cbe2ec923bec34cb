package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"replydesk/backend/internal/config"
)

func TestLoadConfig(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	defer os.Unsetenv("DB_HOST")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.True(t, cfg.WorkerEnabled)
	assert.Equal(t, 10, cfg.WorkerBatchSize)
	assert.Equal(t, 15*time.Minute, cfg.StaleLockThreshold)
	assert.Equal(t, 5*time.Second, cfg.SummaryCacheTTL)
}

func TestLoadConfig_WorkerToggles(t *testing.T) {
	os.Setenv("WORKER_ENABLED", "false")
	os.Setenv("WORKER_BATCH_SIZE", "25")
	os.Setenv("STALE_LOCK_THRESHOLD", "20m")
	defer os.Unsetenv("WORKER_ENABLED")
	defer os.Unsetenv("WORKER_BATCH_SIZE")
	defer os.Unsetenv("STALE_LOCK_THRESHOLD")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.False(t, cfg.WorkerEnabled)
	assert.Equal(t, 25, cfg.WorkerBatchSize)
	assert.Equal(t, 20*time.Minute, cfg.StaleLockThreshold)
}

func TestValidate_RejectsZeroBatchSize(t *testing.T) {
	cfg := &config.Config{
		DBHost:             "h",
		DBUser:             "u",
		DBName:             "n",
		WorkerBatchSize:    0,
		StaleLockThreshold: time.Minute,
	}
	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrMissingRequired)
}
