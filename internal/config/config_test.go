package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "https://q.us-east-1.amazonaws.com", cfg.Upstream.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Upstream.ConnTimeout)
	assert.Equal(t, 30*time.Second, cfg.Upstream.HeaderTimeout)
	assert.Equal(t, 60*time.Second, cfg.Upstream.IdleTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Upstream.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.RefreshWindow)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.HealthInterval)
	assert.Equal(t, 300*time.Second, cfg.Pool.CooldownDuration)
	assert.Equal(t, 60*time.Second, cfg.Pool.AffinityTTL)
	assert.Contains(t, cfg.State.Path, ".kiro-proxy")
}

func TestLoadPortArgumentWins(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	cfg, err := Load("7777")
	require.NoError(t, err)
	assert.Equal(t, "7777", cfg.HTTPPort)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.HTTPPort)
}

func TestLoadEncryptionKey(t *testing.T) {
	t.Setenv("KIRO_PROXY_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.State.EncryptionKey, 32)
}

func TestLoadRejectsBadEncryptionKey(t *testing.T) {
	t.Setenv("KIRO_PROXY_ENCRYPTION_KEY", "tooshort")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("KIRO_PROXY_ENCRYPTION_KEY", "zz23456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadDurationOverride(t *testing.T) {
	t.Setenv("POOL_COOLDOWN_DURATION", "2m")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Pool.CooldownDuration)
}
