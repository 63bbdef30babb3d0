package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".outpost", "outpost.json")
	}

	cfg := DefaultConfig()

	// Missing config file falls back to defaults plus env overrides
	if _, err := os.Stat(configPath); err == nil {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		v.SetEnvPrefix("OUTPOST")
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if cfg.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.WorkDir = filepath.Join(home, ".outpost", "agent")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(filepath.Dir(cfg.WorkDir), "outpost.log")
	}

	// Resolve the shared secret from the configured environment variable
	if cfg.Coordinator.APIKey == "" && cfg.Coordinator.APIKeyEnv != "" {
		cfg.Coordinator.APIKey = os.Getenv(cfg.Coordinator.APIKeyEnv)
	}

	return cfg, nil
}

// EnsureDirectories creates the working directory layout
func EnsureDirectories(cfg *Config) error {
	for _, dir := range []string{cfg.WorkDir, cfg.ContextDir(), cfg.ThreadsDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
