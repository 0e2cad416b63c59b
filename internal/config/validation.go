package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is shared so that struct metadata is parsed once per type.
var validate = validator.New()

// Validate validates the configuration using struct tags registered with
// the go-playground/validator library.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Struct validates any value carrying validator struct tags. It is used for
// inbound payloads as well as configuration.
func Struct(v any) error {
	return validate.Struct(v)
}
