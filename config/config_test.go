package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstDir, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, tempDir, firstDir)
	assert.NotEmpty(t, firstCfg.DeviceID)
	assert.Equal(t, PortModeAutomatic, firstCfg.PortMode)
	assert.Zero(t, firstCfg.ServerPort(), "automatic mode binds an ephemeral port")
	assert.Equal(t, DefaultServiceType, firstCfg.ServiceType)
	assert.Equal(t, filepath.Join(tempDir, "keyring"), firstCfg.KeyringDir)
	assert.Equal(t, 5*time.Second, firstCfg.AttemptTimeout())
	assert.Equal(t, time.Minute, firstCfg.DownloadTimeout())
	assert.Equal(t, 90*24*time.Hour, firstCfg.SecurityEventRetention())

	for _, dir := range []string{"keyring", "outbox"} {
		_, err := os.Stat(filepath.Join(tempDir, dir))
		require.NoError(t, err, "expected %s directory", dir)
	}
	_, err = os.Stat(ConfigPath(tempDir))
	require.NoError(t, err)

	secondCfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, firstCfg.DeviceID, secondCfg.DeviceID)
	assert.Equal(t, firstCfg.OutboxDir, secondCfg.OutboxDir)
}

func TestLoadOrCreateNormalizesPortModeFromExistingPort(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))

	partial := &DeviceConfig{
		DeviceID:      "existing-device",
		DeviceName:    "Existing",
		ListeningPort: 9999,
		LogLevel:      "debug",
	}
	require.NoError(t, Save(ConfigPath(tempDir), partial))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, PortModeFixed, cfg.PortMode)
	assert.Equal(t, 9999, cfg.ServerPort())
	assert.Equal(t, "existing-device", cfg.DeviceID)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.EqualValues(t, DefaultMaxKeySize, cfg.MaxKeySize)
	assert.Equal(t, DefaultSecurityEventRetentionDays, cfg.SecurityEventRetentionDays)
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
