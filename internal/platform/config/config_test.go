package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "jwt:\n  secret: s3cret\n"))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
	assert.Equal(t, 24*time.Hour, cfg.JWT.SessionTTL)
	assert.Equal(t, 15*time.Minute, cfg.MagicLink.TTL)
	assert.Equal(t, 3, cfg.MagicLink.RateLimitRequests)
	assert.Equal(t, time.Hour, cfg.MagicLink.RateLimitWindow)
	assert.True(t, cfg.MagicLink.SingleUse)
	assert.Equal(t, "memory", cfg.RateLimit.Store)
	assert.Equal(t, 30*time.Second, cfg.Webhooks.DeliveryTimeout)
	assert.Equal(t, 10*time.Second, cfg.Webhooks.ProbeTimeout)
	assert.Equal(t, uint32(5), cfg.Webhooks.BreakerFailures)
	assert.Equal(t, 30, cfg.Webhooks.RetentionDays)
	assert.Equal(t, "log", cfg.Email.Provider)
}

func TestLoad_FileOverridesAndEnv(t *testing.T) {
	path := writeConfig(t, `
environment: Production
jwt:
  secret: from-file
webhooks:
  worker_count: 8
  retry_backoff: 5s
cors:
  allowed_origins: ["https://app.promptlab.dev"]
`)
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 8, cfg.Webhooks.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.Webhooks.RetryBackoff)
	assert.Equal(t, []string{"https://app.promptlab.dev"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
