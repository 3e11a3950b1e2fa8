package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration matches every invalid-option error.
var ErrConfiguration = errors.New("invalid configuration")

// ConfigError names the offending option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}
