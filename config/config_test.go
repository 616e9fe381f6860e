// vidqueue/config/config_test.go
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidqueue/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		// Ensure no env vars are lingering from other tests
		t.Setenv("VIDQ_PORT", "")
		t.Setenv("VIDQ_MAX_CONCURRENT_TASKS", "")
		t.Setenv("VIDQ_AUTH_ENABLE", "")
		t.Setenv("VIDQ_TASK_TIMEOUT", "")
		t.Setenv("VIDQ_MAX_INPUT_SIZE", "")
		t.Setenv("VIDQ_STORE_BACKEND", "")

		cfg, err := config.Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, 2, cfg.MaxConcurrentTasks)
		assert.Equal(t, false, cfg.AuthEnable)
		assert.Equal(t, "ffmpeg", cfg.FFBin)
		assert.Equal(t, "file", cfg.StoreBackend)
		assert.Equal(t, 2*time.Hour, cfg.TaskTimeout)
		assert.Equal(t, int64(20*1024*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, int64(200*1024*1024), cfg.ThrottleFreeMem)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("VIDQ_PORT", "9999")
		t.Setenv("VIDQ_MAX_CONCURRENT_TASKS", "10")
		t.Setenv("VIDQ_AUTH_ENABLE", "true")
		t.Setenv("VIDQ_AUTH_KEY", "newsecret")
		t.Setenv("VIDQ_MAX_INPUT_SIZE", "50MB")
		t.Setenv("VIDQ_TASK_TIMEOUT", "45m")
		t.Setenv("VIDQ_STORE_BACKEND", "sqlite")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 10, cfg.MaxConcurrentTasks)
		assert.Equal(t, true, cfg.AuthEnable)
		assert.Equal(t, "newsecret", cfg.AuthKey)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, 45*time.Minute, cfg.TaskTimeout)
		assert.Equal(t, "sqlite", cfg.StoreBackend)
	})

	t.Run("reads an explicit config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("MAX_CONCURRENT_TASKS: 4\nSTATE_PATH: /var/lib/vidqueue/tasks.json\n"), 0o644))

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.MaxConcurrentTasks)
		assert.Equal(t, "/var/lib/vidqueue/tasks.json", cfg.StatePath)
	})

	t.Run("rejects a zero concurrency limit", func(t *testing.T) {
		t.Setenv("VIDQ_MAX_CONCURRENT_TASKS", "0")

		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("rejects a sub-second task retention", func(t *testing.T) {
		t.Setenv("VIDQ_TASK_RETENTION", "1ns")

		_, err := config.Load()
		assert.ErrorContains(t, err, "TASK_RETENTION")
	})

	t.Run("accepts a task retention window", func(t *testing.T) {
		t.Setenv("VIDQ_TASK_RETENTION", "24h")

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, 24*time.Hour, cfg.TaskRetention)
	})

	t.Run("rejects an unknown store backend", func(t *testing.T) {
		t.Setenv("VIDQ_STORE_BACKEND", "etcd")

		_, err := config.Load()
		assert.Error(t, err)
	})
}

func TestValidate_TaskRetention(t *testing.T) {
	base := config.Config{MaxConcurrentTasks: 1, StoreBackend: "file"}

	for _, d := range []time.Duration{-time.Second, time.Nanosecond, 3 * time.Nanosecond, 999 * time.Millisecond} {
		cfg := base
		cfg.TaskRetention = d
		assert.Error(t, cfg.Validate(), "retention %s", d)
	}
	for _, d := range []time.Duration{0, time.Second, time.Hour} {
		cfg := base
		cfg.TaskRetention = d
		assert.NoError(t, cfg.Validate(), "retention %s", d)
	}
}
