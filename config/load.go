package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/vireo/runnerd/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the runnerd configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	// Environment variables win: RUNNERD_STATE_DIR, RUNNERD_DAEMON_MAX_WORKERS, ...
	v.SetEnvPrefix("RUNNERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// Optional config file in the state directory
	v.SetConfigName("runnerd")
	v.SetConfigType("toml")
	v.AddConfigPath(v.GetString("state_dir"))
	// Missing file is fine; defaults and env cover everything
	_ = v.ReadInConfig()

	viperInstance = v
	return v
}

// SetDefaults applies default values to a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", defaultStateDir())

	v.SetDefault("daemon.tick_interval_seconds", 1)
	v.SetDefault("daemon.max_workers", 4)
	v.SetDefault("daemon.max_failures", 3)
	v.SetDefault("daemon.default_timeout_seconds", 900)
	v.SetDefault("daemon.grace_kill_seconds", 3)
	v.SetDefault("daemon.log_tail_bytes", 4096)

	v.SetDefault("runner.strategy_runner", "runnerd-strategy")
	v.SetDefault("runner.python_bin", "python3")
	v.SetDefault("runner.shell_bin", "/bin/sh")
}

func defaultStateDir() string {
	if dir := os.Getenv("RUNNERD_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runnerd"
	}
	return filepath.Join(home, ".runnerd")
}
