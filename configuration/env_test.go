package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDir(t *testing.T) {
	t.Setenv(EnvXDGDataHome, "/data")
	assert.Equal(t, "/data/proxyns", DataDir())

	t.Setenv(EnvXDGDataHome, "")
	t.Setenv("HOME", "/home/op")
	assert.Equal(t, "/home/op/.local/share/proxyns", DataDir())
}

func TestReadConfigDefaults(t *testing.T) {
	t.Setenv(EnvXDGDataHome, "/data")
	// no file beside the test binary, so defaults apply
	config, err := ReadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/data/proxyns/profiles", config.ProfilesDir)
	assert.Equal(t, "/data/proxyns", config.StateDir)
	assert.Equal(t, "/data/proxyns/sessions", config.SessionsDir())
	assert.Equal(t, "/data/proxyns/environment.json", config.EnvironmentPath())
	assert.Equal(t, "bash", config.Shell)
	assert.Equal(t, 2*time.Second, config.ActiveCacheTTL)
	assert.False(t, config.RollbackOnLaunchFailure)
	assert.Equal(t, "5.0.0", config.Dependencies["ip"])
}

func TestReadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxyns.json")
	content := `{
		"profiles_dir": "/srv/profiles",
		"log_level": "debug",
		"active_cache_ttl": "10s",
		"rollback_on_launch_failure": true,
		"dependencies": {"tun2socks": "2.6.0"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("PROXYNS_STATE_DIR", "/run/proxyns")

	config, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/profiles", config.ProfilesDir)
	assert.Equal(t, "/run/proxyns", config.StateDir)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, 10*time.Second, config.ActiveCacheTTL)
	assert.True(t, config.RollbackOnLaunchFailure)
	assert.Equal(t, "2.6.0", config.Dependencies["tun2socks"])
}

func TestReadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"shell": "/bin/bash"}`), 0o600))
	t.Setenv(EnvConfigPath, path)

	config, err := ReadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/bin/bash", config.Shell)
}

func TestReadConfigExplicitMissing(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestReadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxyns.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := ReadConfig(path)
	require.Error(t, err)
}
