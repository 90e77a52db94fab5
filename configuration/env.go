package configuration

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath is the PROXYNS_CONFIGURATION_PATH env var key
	EnvConfigPath = "PROXYNS_CONFIGURATION_PATH"
	// EnvPrefix is prepended to every config key when reading overrides from the environment,
	// e.g. PROXYNS_PROFILES_DIR.
	EnvPrefix = "PROXYNS"
	// EnvXDGDataHome is the base directory for user data files.
	EnvXDGDataHome = "XDG_DATA_HOME"

	appDirName = "proxyns"
)

// DataDir returns the per-user application data directory, $XDG_DATA_HOME/proxyns or ~/.local/share/proxyns.
func DataDir() string {
	if base := os.Getenv(EnvXDGDataHome); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), appDirName)
	}
	return filepath.Join(home, ".local", "share", appDirName)
}
