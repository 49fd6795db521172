// Package config loads tunefs' own settings: logging, where session locks
// and undo records live, and which mount table to consult.
//
// Sources, highest precedence first:
//  1. CLI flags (bound by cmd/tunefs)
//  2. Environment variables (TUNEFS_*)
//  3. Configuration file (YAML)
//  4. Defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "TUNEFS"

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Lock    LockConfig    `mapstructure:"lock"`
	Undo    UndoConfig    `mapstructure:"undo"`
	Journal JournalConfig `mapstructure:"journal"`

	// MountsFile is the mount table consulted by the mount-state guard.
	MountsFile string `mapstructure:"mounts_file" validate:"required"`
}

type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`

	// Format is text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

type LockConfig struct {
	// Dir holds one lock file per volume
	Dir string `mapstructure:"dir" validate:"required"`
}

type UndoConfig struct {
	// Path of the sqlite undo database. Empty disables undo records.
	Path string `mapstructure:"path"`
}

type JournalConfig struct {
	// DefaultSizeMiB is used when a journal is added without an explicit
	// size. 100 MiB is the largest journal a 1 KiB block volume can hold;
	// larger journals on bigger blocks need an explicit size.
	DefaultSizeMiB int `mapstructure:"default_size_mib" validate:"gte=1,lte=100"`
}

// Load reads configuration from configPath, or from the default location
// when configPath is empty. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks struct constraints.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

func setupViper(v *viper.Viper, configPath string) {
	// Example: TUNEFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(DefaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "WARN")
	v.SetDefault("logging.format", "text")
	v.SetDefault("lock.dir", filepath.Join(os.TempDir(), "tunefs-locks"))
	v.SetDefault("undo.path", "")
	v.SetDefault("journal.default_size_mib", 16)
	v.SetDefault("mounts_file", "/proc/mounts")
}

// DefaultConfigDir is $XDG_CONFIG_HOME/tunefs or its platform equivalent.
func DefaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".tunefs")
	}
	return filepath.Join(dir, "tunefs")
}
