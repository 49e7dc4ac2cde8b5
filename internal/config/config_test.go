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
	dir := t.TempDir()
	t.Setenv("ECOSYNC_DATA_DIR", dir)
	t.Setenv("DB_DRIVER", "")
	t.Setenv("KEYSTORE_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "ecosync.db"), cfg.Database.Path)
	assert.Equal(t, "keyring", cfg.Keystore.Backend)
	assert.Equal(t, filepath.Join(dir, "store.key"), cfg.Keystore.FilePath)
	assert.Equal(t, 20*time.Second, cfg.Remote.RequestTimeout)
}

func TestLoadRejectsPostgresWithoutDSN(t *testing.T) {
	t.Setenv("ECOSYNC_DATA_DIR", t.TempDir())
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownKeystore(t *testing.T) {
	t.Setenv("ECOSYNC_DATA_DIR", t.TempDir())
	t.Setenv("KEYSTORE_BACKEND", "vault")

	_, err := Load()
	assert.Error(t, err)
}

func TestSyncConfigFromFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_retries": 7, "cache": {"max_entries": 50}}`), 0o600))
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg, err := LoadSyncConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 50, cfg.Cache.MaxEntries)
	// untouched fields keep their defaults
	assert.Equal(t, 3600, cfg.Cache.Expiry)
	assert.Equal(t, time.Hour, cfg.Cache.ExpiryDuration())
	assert.Equal(t, "google.com", cfg.Reachability.Host)
}

func TestSyncConfigBadFile(t *testing.T) {
	t.Setenv("SYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))

	_, err := LoadSyncConfig()
	assert.Error(t, err)
}
