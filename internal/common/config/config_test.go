package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Address)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, 10000, cfg.Timeline.MaxItems)
	assert.Equal(t, 5*time.Minute, cfg.Permissions.Timeout())
	assert.Equal(t, 120, cfg.Terminal.DefaultCols)
	assert.Equal(t, 40, cfg.Terminal.DefaultRows)
	assert.Equal(t, 300*time.Millisecond, cfg.Checkout.Debounce())
	assert.True(t, cfg.MCP.Enabled)
	assert.False(t, cfg.Voice.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"server": {"address": "unix:/tmp/paseo.sock"},
		"logging": {"level": "debug"},
		"timeline": {"maxItems": 50}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "unix:/tmp/paseo.sock", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Timeline.MaxItems)
	// Untouched sections keep defaults.
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PASEO_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	content := `{"storage": {"driver": "postgres"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.dsn is required")
}
