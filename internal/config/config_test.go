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

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "storage:\n  type: local\nlock:\n  backend: local\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	chunk, err := cfg.Upload.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(5*1024*1024), chunk)
	assert.Equal(t, 5*time.Minute, cfg.Upload.LockTTL)
	assert.Equal(t, 2*time.Second, cfg.Upload.LockWait)
	assert.Equal(t, []string{"db"}, cfg.Audit.Sinks)
	assert.Equal(t, "ADMIN", cfg.JWT.AdminRole)
	assert.Equal(t, 365*24*time.Hour, cfg.Maintenance.AuditRetention)
	assert.Equal(t, 7*24*time.Hour, cfg.Share.DefaultTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Share.MaxTTL)
}

func TestLoadParsesHumanSizes(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: local
lock:
  backend: local
upload:
  chunk_size: "1MiB"
  max_file_size: "2GB"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	chunk, err := cfg.Upload.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), chunk)

	max, err := cfg.Upload.MaxFileSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000), max)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"unknown storage":   "storage:\n  type: ftp\nlock:\n  backend: local\n",
		"unknown lock":      "storage:\n  type: local\nlock:\n  backend: etcd\n",
		"bad chunk size":    "storage:\n  type: local\nlock:\n  backend: local\nupload:\n  chunk_size: lots\n",
		"unknown sink":      "storage:\n  type: local\nlock:\n  backend: local\naudit:\n  sinks: [syslog]\n",
		"cancel beyond ttl": "storage:\n  type: local\nlock:\n  backend: local\nupload:\n  lock_ttl: 1m\n  cancel_wait: 2m\n",
		"share ttl beyond max": "storage:\n  type: local\nlock:\n  backend: local\nshare:\n  default_ttl: 48h\n  max_ttl: 24h\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("FASTDROP_SERVER_PORT", "9999")
	path := writeConfig(t, "server:\n  port: \"8080\"\nstorage:\n  type: local\nlock:\n  backend: local\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
