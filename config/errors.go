package config

import "fmt"

// ConfigError reports a missing or invalid configuration value. It is fatal:
// the bridge never attempts a connection with a configuration that fails
// validation.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}
