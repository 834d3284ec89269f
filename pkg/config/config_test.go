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
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, "bansos", cfg.Database.Name)
	assert.Equal(t, 5, cfg.Allocation.MaxAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.Allocation.RetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.Allocation.LockTimeout)
	assert.False(t, cfg.Notifications.Enabled)
	assert.Equal(t, "bansos:recipient:events", cfg.Notifications.Channel)
	assert.Nil(t, cfg.CORS.AllowedOrigins)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOCATION_MAX_ATTEMPTS", "8")
	t.Setenv("ALLOCATION_LOCK_TIMEOUT", "750ms")
	t.Setenv("ALLOCATION_RETRY_BACKOFF", "not-a-duration")
	t.Setenv("ENABLE_NOTIFICATIONS", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 8, cfg.Allocation.MaxAttempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Allocation.LockTimeout)
	assert.Equal(t, 25*time.Millisecond, cfg.Allocation.RetryBackoff, "invalid durations fall back")
	assert.True(t, cfg.Notifications.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// keeps godotenv from exporting the file into the process environment
	t.Setenv("DB_NAME", "")
	t.Setenv("LIST_PAGE_SIZE", "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_NAME=bansos_test\nLIST_PAGE_SIZE=25\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "bansos_test", cfg.Database.Name)
	assert.Equal(t, 25, cfg.Allocation.PageSize)
}
