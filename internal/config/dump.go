package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Dump renders the effective configuration as YAML. The archive password
// is masked.
func Dump(cfg *Config) ([]byte, error) {
	out := *cfg
	if out.Archive.Password != "" {
		out.Archive.Password = redacted
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}
