package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 4, cfg.Maintenance.NumThreads)
	assert.Equal(t, int64(250), cfg.Maintenance.PollingIntervalMs)
	assert.Equal(t, int64(-1), cfg.Maintenance.MemoryLimitBytes)
	assert.Equal(t, 8, cfg.Maintenance.HistorySize)
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "karst.yaml")
	data := `
server:
  statusAddr: ":1234"
maintenance:
  numThreads: 2
  pollingIntervalMs: 50
store:
  walRetentionSecs: 60
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, ":1234", cfg.Server.StatusAddr)
	assert.Equal(t, 2, cfg.Maintenance.NumThreads)
	assert.Equal(t, int64(50), cfg.Maintenance.PollingIntervalMs)
	assert.Equal(t, int64(60), cfg.Store.WALRetentionSecs)
	// Untouched fields keep defaults.
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
	assert.Equal(t, 8, cfg.Maintenance.HistorySize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KARST_MAINT_THREADS", "7")
	t.Setenv("KARST_LOG_LEVEL", "debug")
	t.Setenv("KARST_WAL_ARCHIVE", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Maintenance.NumThreads)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.False(t, cfg.Store.ArchiveSegments)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Maintenance.NumThreads = 0
	assert.ErrorIs(t, cfg.Validate(), ErrNoThreads)

	cfg = Default()
	cfg.Maintenance.PollingIntervalMs = 0
	assert.ErrorIs(t, cfg.Validate(), ErrBadPollingMs)

	cfg = Default()
	cfg.Maintenance.HistorySize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrBadHistorySize)
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := LoadFromPath("/nonexistent/karst.yaml")
	require.Error(t, err)
}
