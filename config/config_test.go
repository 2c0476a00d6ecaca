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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 200*time.Millisecond, cfg.Signaling.PollInterval)
	assert.Equal(t, 100, cfg.Signaling.LogCap)
	assert.GreaterOrEqual(t, cfg.Signaling.DedupSize, MinDedupSize)
	assert.Equal(t, 2*time.Second, cfg.Signaling.StaleAfter)
	assert.Equal(t, time.Second, cfg.Presence.AnnounceInterval)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.ICEServers)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TELEMED_SIGNALING_POLL_INTERVAL", "150ms")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("TELEMED_PORT", "9090")
	t.Setenv("TELEMED_SIGNALING_STALE_AFTER", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 150*time.Millisecond, cfg.Signaling.PollInterval)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Signaling.StaleAfter)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemed.yaml")
	body := `
environment: production
public_base_url: https://clinic.example.com/
negotiation:
  timeout: 20s
  max_retries: 3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://clinic.example.com", cfg.PublicBaseURL)
	assert.Equal(t, 20*time.Second, cfg.Negotiation.Timeout)
	assert.Equal(t, 3, cfg.Negotiation.MaxRetries)
}

func TestValidateRejectsSmallLog(t *testing.T) {
	t.Setenv("TELEMED_SIGNALING_LOG_CAP", "20")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_cap")
}

func TestValidateRejectsShortPresenceTTL(t *testing.T) {
	cfg := Default()
	cfg.Presence.TTL = cfg.Presence.AnnounceInterval
	assert.Error(t, cfg.Validate())
}
