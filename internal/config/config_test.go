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
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "release:\n  owner: acme\n  repo: sensor\n"))
	require.NoError(t, err)

	assert.Equal(t, "https://api.github.com", cfg.Release.APIBase)
	assert.Equal(t, 10*time.Second, cfg.Release.Timeout)
	assert.Equal(t, []string{".bin"}, cfg.Release.AssetSuffixes)
	assert.Equal(t, 3, cfg.Check.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Check.RetryBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Check.InitialDelay)
	assert.Equal(t, 24*time.Hour, cfg.Check.Interval)
	assert.Equal(t, int64(1100*1024), cfg.Install.EstimatedImageSize)
	assert.Equal(t, 0xE9, cfg.Install.ImageMagic)
	assert.Equal(t, 10*time.Millisecond, cfg.Install.YieldInterval)
	assert.Equal(t, time.Second, cfg.Install.RestartDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Install.UploadRestartDelay)
	assert.Equal(t, RestartReboot, cfg.Restart.Mode)
	assert.True(t, cfg.OTAEnabled())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen: 127.0.0.1:9000
release:
  owner: acme
  repo: sensor
  asset_suffixes: [".img", ".bin"]
check:
  max_attempts: 5
  retry_base_delay: 500ms
install:
  max_upload_size: 1048576
restart:
  mode: exit
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, []string{".img", ".bin"}, cfg.Release.AssetSuffixes)
	assert.Equal(t, 5, cfg.Check.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Check.RetryBaseDelay)
	assert.Equal(t, int64(1048576), cfg.Install.MaxUploadSize)
	assert.Equal(t, RestartExit, cfg.Restart.Mode)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("OTAD_RELEASE_OWNER", "envco")
	t.Setenv("OTAD_RELEASE_REPO", "envrepo")

	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "envco", cfg.Release.Owner)
	assert.Equal(t, "envrepo", cfg.Release.Repo)
}

func TestLoadWithoutRepositoryDisablesOTA(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	require.NoError(t, err)
	assert.False(t, cfg.OTAEnabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"owner without repo", "release:\n  owner: acme\n"},
		{"bad restart mode", "restart:\n  mode: shutdown\n"},
		{"magic out of range", "install:\n  image_magic: 300\n"},
		{"zero attempts", "check:\n  max_attempts: 0\n"},
		{"upload larger than slot", "install:\n  max_upload_size: 8388608\npartition:\n  slot_size: 4194304\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestGetStoredDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "device_id")

	id, err := GetStoredDeviceID(path)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	again, err := GetStoredDeviceID(path)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}
