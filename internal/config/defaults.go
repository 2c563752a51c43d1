package config

import (
	"strings"
	"time"
)

// DefaultWatchDebounce is the delay used to coalesce archive change events.
const DefaultWatchDebounce = 250 * time.Millisecond

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// Booleans are defaulted by the loader since false is indistinguishable
// from unset here.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyArchiveDefaults(&cfg.Archive)
	applyWatchDefaults(&cfg.Watch)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
}

func applyArchiveDefaults(cfg *ArchiveConfig) {
	if cfg.Format == "" {
		cfg.Format = "auto"
	}
	cfg.Format = strings.ToLower(cfg.Format)

	if cfg.Tar == nil {
		cfg.Tar = make(map[string]any)
	}
	if c, ok := cfg.Tar["compression"].(string); !ok || c == "" {
		cfg.Tar["compression"] = "auto"
	}
}

func applyWatchDefaults(cfg *WatchConfig) {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultWatchDebounce
	}
}
