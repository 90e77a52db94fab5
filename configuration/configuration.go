package configuration

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/proxyns/proxyns/platform"
	"github.com/spf13/viper"
)

const defaultConfigName = "proxyns.json"

// Config holds every tunable of proxyns. Keys map 1:1 to config file keys and PROXYNS_* env vars.
type Config struct {
	ProfilesDir             string            `mapstructure:"profiles_dir"`
	StateDir                string            `mapstructure:"state_dir"`
	DefinitionsPath         string            `mapstructure:"definitions_path"`
	Shell                   string            `mapstructure:"shell"`
	SudoPath                string            `mapstructure:"sudo_path"`
	LogPath                 string            `mapstructure:"log_path"`
	LogLevel                string            `mapstructure:"log_level"`
	APIAddress              string            `mapstructure:"api_address"`
	ActiveCacheTTL          time.Duration     `mapstructure:"active_cache_ttl"`
	RollbackOnLaunchFailure bool              `mapstructure:"rollback_on_launch_failure"`
	Dependencies            map[string]string `mapstructure:"dependencies"`
}

// SessionsDir is where per-namespace session records are kept.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.StateDir, "sessions")
}

// EnvironmentPath is where the reconstructed desktop environment snapshot is kept.
func (c *Config) EnvironmentPath() string {
	return filepath.Join(c.StateDir, "environment.json")
}

func setDefaults(v *viper.Viper) {
	dataDir := DataDir()
	v.SetDefault("profiles_dir", filepath.Join(dataDir, "profiles"))
	v.SetDefault("state_dir", dataDir)
	v.SetDefault("definitions_path", "")
	v.SetDefault("shell", "bash")
	v.SetDefault("sudo_path", "sudo")
	v.SetDefault("log_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("api_address", "127.0.0.1:10098")
	v.SetDefault("active_cache_ttl", 2*time.Second) //nolint:gomnd // default ttl
	v.SetDefault("rollback_on_launch_failure", false)
	v.SetDefault("dependencies", map[string]string{
		"ip":        "5.0.0",
		"tun2socks": "2.5.0",
	})
}

// getConfigFilePath returns the config path and whether the caller asked for it explicitly.
func getConfigFilePath(cmdPath string) (string, bool, error) {
	// If config path is set from cmd line, return that.
	if strings.TrimSpace(cmdPath) != "" {
		return cmdPath, true, nil
	}
	// If config path is set from env, return that.
	if envPath := os.Getenv(EnvConfigPath); strings.TrimSpace(envPath) != "" {
		return envPath, true, nil
	}
	// otherwise compose the default config path and return that.
	dir, err := platform.ExecutableDirectory()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to discover exec dir for config")
	}
	return filepath.Join(dir, defaultConfigName), false, nil
}

// ReadConfig resolves the config file, layers env overrides on top and returns the result.
// A missing default config file is not an error; a missing explicit one is.
func ReadConfig(cmdLineConfigPath string) (*Config, error) {
	return ReadConfigWith(viper.New(), cmdLineConfigPath)
}

// ReadConfigWith is ReadConfig against a caller supplied viper instance, so flags already bound to v
// take precedence over the file.
func ReadConfigWith(v *viper.Viper, cmdLineConfigPath string) (*Config, error) {
	configPath, explicit, err := getConfigFilePath(cmdLineConfigPath)
	if err != nil {
		return nil, err
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if !missing || explicit {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	SetConfigDefaults(&config)
	return &config, nil
}

// SetConfigDefaults fills values an operator blanked out explicitly.
func SetConfigDefaults(config *Config) {
	if config.StateDir == "" {
		config.StateDir = DataDir()
	}
	if config.ProfilesDir == "" {
		config.ProfilesDir = filepath.Join(config.StateDir, "profiles")
	}
	if config.Shell == "" {
		config.Shell = "bash"
	}
	if config.SudoPath == "" {
		config.SudoPath = "sudo"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.ActiveCacheTTL < 0 {
		config.ActiveCacheTTL = 0
	}
}
