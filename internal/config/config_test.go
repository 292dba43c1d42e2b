package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)

	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/api", cfg.APIURL)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WSURL)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay())
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Equal(t, 50, cfg.LogLimit)
	assert.Equal(t, 0, cfg.MaxReconnectRetries)
	assert.Equal(t, "7d", cfg.ClusterWindow)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := []byte("api_url: http://plants.local/api\npoll_interval_seconds: 9\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("PLANT_POLL_INTERVAL_SECONDS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://plants.local/api", cfg.APIURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
}

func TestValidateRejectsNonPositivePoll(t *testing.T) {
	cfg := &Config{APIURL: "http://x", PollIntervalSeconds: 0, HistoryLimit: 1, LogLimit: 1}
	assert.Error(t, cfg.Validate())
}
