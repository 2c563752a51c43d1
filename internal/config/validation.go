package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
// Log level normalization happens in ApplyDefaults, not here.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs validation that cannot be expressed in tags.
func validateCustomRules(cfg *Config) error {
	tarOpts, err := cfg.Archive.TarOptions()
	if err != nil {
		return err
	}
	if err := validate.Var(string(tarOpts.Compression), "omitempty,oneof=auto none gzip zstd lz4 bzip2"); err != nil {
		return fmt.Errorf("archive.tar.compression: unsupported compression %q", tarOpts.Compression)
	}
	if cfg.Archive.Format == "zip" && tarOpts.Compression != "" && tarOpts.Compression != "auto" {
		return fmt.Errorf("archive.tar.compression: only applies to tar archives, format is %q", cfg.Archive.Format)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
