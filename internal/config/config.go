// Package config loads the arcmount configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (ARCMOUNT_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arcmount/internal/archive"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the complete arcmount configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Mount controls where the session directories are created
	Mount MountConfig `mapstructure:"mount" yaml:"mount"`

	// Archive selects the archive and how it is read
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`

	// Watch controls reconciliation when the archive changes on disk
	Watch WatchConfig `mapstructure:"watch" yaml:"watch"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: ERROR, WARN, INFO, DEBUG, TRACE (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=ERROR WARN INFO DEBUG TRACE"`
}

// MountConfig contains mount settings.
type MountConfig struct {
	// TempDir is the parent of the mount and work directories.
	// Empty means the system temporary directory.
	TempDir string `mapstructure:"temp_dir" yaml:"temp_dir"`
}

// ArchiveConfig specifies the archive to mount.
//
// The Format field determines which engine is used. Only the matching
// type-specific section is read.
type ArchiveConfig struct {
	// Path is the archive file
	Path string `mapstructure:"path" yaml:"path" validate:"required"`

	// Password is passed to the engine on every extraction
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// Format selects the engine
	// Valid values: auto, tar, zip
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=auto tar zip"`

	// Tar contains tar-specific configuration
	// Only used when Format resolves to tar
	Tar map[string]any `mapstructure:"tar" yaml:"tar,omitempty"`
}

// WatchConfig controls the archive watcher.
type WatchConfig struct {
	// Enabled reconciles the mount whenever the archive file changes
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Debounce coalesces bursts of change events
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"gte=0"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":      "logging.level",
	"temp-dir":       "mount.temp_dir",
	"password":       "archive.password",
	"format":         "archive.format",
	"compression":    "archive.tar.compression",
	"watch":          "watch.enabled",
	"watch-debounce": "watch.debounce",
}

// envKeys are bound explicitly so that environment variables are honored
// even when no config file mentions the key.
var envKeys = []string{
	"logging.level",
	"mount.temp_dir",
	"archive.path",
	"archive.password",
	"archive.format",
	"archive.tar.compression",
	"watch.enabled",
	"watch.debounce",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "log level (ERROR, WARN, INFO, DEBUG, TRACE)")
	fs.String("temp-dir", "", "parent directory for the mount and work directories")
	fs.String("password", "", "archive password")
	fs.String("format", "", "archive format (auto, tar, zip)")
	fs.String("compression", "", "tar stream compression (auto, none, gzip, zstd, lz4, bzip2)")
	fs.Bool("watch", true, "reconcile the mount when the archive changes")
	fs.Duration("watch-debounce", 0, "delay coalescing archive change events")
}

// Load loads configuration from file, environment, flags and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//   - flags: Parsed flag set from RegisterFlags, may be nil
//   - archivePath: Archive given on the command line, overrides everything
func Load(configPath string, flags *pflag.FlagSet, archivePath string) (*Config, error) {
	v := viper.New()

	if err := setupViper(v, configPath, flags); err != nil {
		return nil, err
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	if archivePath != "" {
		v.Set("archive.path", archivePath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables, flags and config
// file settings.
func setupViper(v *viper.Viper, configPath string, flags *pflag.FlagSet) error {
	// Example: ARCMOUNT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("ARCMOUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Booleans cannot be defaulted after unmarshalling.
	v.SetDefault("watch.enabled", true)
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/arcmount/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return nil
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "arcmount")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "arcmount")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// TarOptions decodes the tar-specific section.
func (c *ArchiveConfig) TarOptions() (archive.TarOptions, error) {
	var opts archive.TarOptions
	if err := mapstructure.Decode(c.Tar, &opts); err != nil {
		return archive.TarOptions{}, fmt.Errorf("invalid archive.tar config: %w", err)
	}
	return opts, nil
}

// EngineOptions returns the options for archive.Open.
func (c *ArchiveConfig) EngineOptions() (archive.Options, error) {
	tarOpts, err := c.TarOptions()
	if err != nil {
		return archive.Options{}, err
	}
	return archive.Options{
		Format: archive.Format(c.Format),
		Tar:    tarOpts,
	}, nil
}
