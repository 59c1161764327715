package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/sitelog/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
gemini:
  api_key: test-key
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultEnvironment, cfg.Environment)
	assert.Equal(t, config.DefaultQuietPeriod, cfg.Consolidation.QuietPeriod)
	assert.Equal(t, "Asia/Kolkata", cfg.Consolidation.Location().String())
	assert.Equal(t, config.DefaultRetentionMaxAge, cfg.Retention.MaxAge)
	assert.Equal(t, "report-images", cfg.Storage.ImageBucket)
	assert.Equal(t, "v22.0", cfg.WhatsApp.APIVersion)
	assert.EqualValues(t, config.DefaultLockAdvisoryKey, cfg.Lock.AdvisoryKey)
	require.Contains(t, cfg.Scheduler.Tasks, "consolidate")
	assert.True(t, cfg.Scheduler.Tasks["consolidate"].Enabled)
	assert.Equal(t, "0 * * * * *", cfg.Scheduler.Tasks["consolidate"].Schedule)
}

func TestLoadConfigFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: development
logger:
  level: debug
consolidation:
  quiet_period: 10m
  concurrency: 2
lock:
  backend: none
scheduler:
  tasks:
    retention_sweep:
      enabled: false
`)
	t.Setenv("SITELOG_GEMINI_API_KEY", "from-env")
	t.Setenv("SITELOG_CONSOLIDATION_QUIET_PERIOD", "45m")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "from-env", cfg.Gemini.APIKey)
	assert.Equal(t, 45*time.Minute, cfg.Consolidation.QuietPeriod)
	assert.Equal(t, 2, cfg.Consolidation.Concurrency)
	assert.Equal(t, "none", cfg.Lock.Backend)
	assert.False(t, cfg.Scheduler.Tasks["retention_sweep"].Enabled)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SITELOG_GEMINI_API_KEY", "from-env")

	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultDBPath, cfg.Database.Path)
}

func TestLoadConfigValidation(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{
			name:    "missing provider key",
			content: `llm: {provider: gemini}`,
		},
		{
			name: "quiet period below minimum",
			content: `
gemini: {api_key: k}
consolidation: {quiet_period: 30s}`,
		},
		{
			name: "quiet period above maximum",
			content: `
gemini: {api_key: k}
consolidation: {quiet_period: 4h}`,
		},
		{
			name: "unknown time zone",
			content: `
gemini: {api_key: k}
consolidation: {time_zone: Mars/Olympus}`,
		},
		{
			name: "lock bypass outside development",
			content: `
gemini: {api_key: k}
lock: {backend: none}`,
		},
		{
			name: "redis backend without address",
			content: `
gemini: {api_key: k}
lock: {backend: redis}`,
		},
		{
			name: "telegram enabled without token",
			content: `
gemini: {api_key: k}
telegram: {enabled: true}`,
		},
		{
			name: "enabled task without schedule",
			content: `
gemini: {api_key: k}
scheduler: {tasks: {consolidate: {enabled: true, schedule: ""}}}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrConfiguration)
		})
	}
}
