// Package config loads the meridian-stream configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MERIDIAN_LOG_LEVEL.
const EnvPrefix = "MERIDIAN"

// Config is the application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Turn      TurnConfig      `mapstructure:"turn"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Tools     ToolsConfig     `mapstructure:"tools"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	File       string `mapstructure:"file"`   // Rolling log file; empty logs to stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// StoreConfig selects the block store.
type StoreConfig struct {
	Driver  string `mapstructure:"driver"` // sqlite or memory
	DataDir string `mapstructure:"data_dir"`
}

// GatewayConfig configures write throttling.
type GatewayConfig struct {
	Window       time.Duration `mapstructure:"window"`
	MaxEntries   int           `mapstructure:"max_entries"`
	TTL          time.Duration `mapstructure:"ttl"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TurnConfig bounds streaming turns.
type TurnConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ProvidersConfig holds provider credentials.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `mapstructure:"anthropic"`
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
}

// ProviderConfig is one provider's connection settings.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ToolsConfig points at extra tool descriptors.
type ToolsConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.data_dir", ".meridian")

	v.SetDefault("gateway.window", 150*time.Millisecond)
	v.SetDefault("gateway.max_entries", 1024)
	v.SetDefault("gateway.ttl", 5*time.Minute)
	v.SetDefault("gateway.write_timeout", 10*time.Second)

	v.SetDefault("turn.idle_timeout", 2*time.Minute)
	v.SetDefault("turn.timeout", 10*time.Minute)

	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.anthropic.base_url", "")
	v.SetDefault("providers.openrouter.api_key", "")
	v.SetDefault("providers.openrouter.base_url", "")

	v.SetDefault("tools.catalog_file", "")
}

// Load reads configPath (or config.yaml from ./configs or the working
// directory when empty), applies MERIDIAN_* environment overrides and validates
// the result. A .env file found by LoadEnv is loaded first.
func Load(configPath string) (*Config, error) {
	LoadEnv()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider SDK conventions take part too.
	_ = v.BindEnv("providers.anthropic.api_key", EnvPrefix+"_PROVIDERS_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("providers.openrouter.api_key", EnvPrefix+"_PROVIDERS_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format: %s, must be 'json' or 'console'", c.Log.Format)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %s, must be 'sqlite' or 'memory'", c.Store.Driver)
	}

	if c.Gateway.Window <= 0 || c.Gateway.Window > 5*time.Second {
		return fmt.Errorf("gateway.window must be in (0, 5s], got %s", c.Gateway.Window)
	}
	if c.Gateway.MaxEntries <= 0 {
		return fmt.Errorf("gateway.max_entries must be positive, got %d", c.Gateway.MaxEntries)
	}
	if c.Gateway.TTL < c.Gateway.Window {
		return fmt.Errorf("gateway.ttl (%s) must not be shorter than gateway.window (%s)", c.Gateway.TTL, c.Gateway.Window)
	}
	if c.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway.write_timeout must be positive")
	}

	if c.Turn.IdleTimeout <= 0 {
		return fmt.Errorf("turn.idle_timeout must be positive")
	}
	if c.Turn.Timeout > 0 && c.Turn.Timeout < c.Turn.IdleTimeout {
		return fmt.Errorf("turn.timeout (%s) must not be shorter than turn.idle_timeout (%s)", c.Turn.Timeout, c.Turn.IdleTimeout)
	}

	return nil
}

// LoadEnv searches for a .env file starting from the current directory and
// walking up the directory tree, and loads the first one found. Variables
// already set in the environment win. Missing files are not an error.
func LoadEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}

	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
