package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "instance.port")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// versionRegex validates PostgreSQL version strings like "16", "16.4", "15.2.1"
var versionRegex = regexp.MustCompile(`^\d+(\.\d+)*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation
// errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateInstance()...)
	errors = append(errors, c.validateBinary()...)
	errors = append(errors, c.validateRegistry()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateInstance() []ValidationError {
	var errors []ValidationError

	if c.Instance.Port != 0 && (c.Instance.Port < 1024 || c.Instance.Port > 65535) {
		errors = append(errors, ValidationError{
			Field:   "instance.port",
			Value:   c.Instance.Port,
			Message: "must be 0 (auto-assign) or in range 1024-65535",
		})
	}

	if c.Instance.CleanupTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "instance.cleanup_timeout_seconds",
			Value:   c.Instance.CleanupTimeoutSeconds,
			Message: "must be positive",
		})
	}

	if c.Instance.StartTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "instance.start_timeout_seconds",
			Value:   c.Instance.StartTimeoutSeconds,
			Message: "must be positive",
		})
	}

	if c.Instance.StopGracePeriodSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "instance.stop_grace_period_seconds",
			Value:   c.Instance.StopGracePeriodSeconds,
			Message: "must be positive",
		})
	}

	if c.Instance.BaseDir != "" {
		resolved := c.Instance.ResolveBaseDir()
		if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
			errors = append(errors, ValidationError{
				Field:   "instance.base_dir",
				Value:   c.Instance.BaseDir,
				Message: "exists but is not a directory",
			})
		}
	}

	for _, arg := range c.Instance.ServerArgs {
		if strings.TrimSpace(arg) == "" {
			errors = append(errors, ValidationError{
				Field:   "instance.server_args",
				Value:   arg,
				Message: "must not contain empty arguments",
			})
		}
	}

	return errors
}

func (c *Config) validateBinary() []ValidationError {
	var errors []ValidationError

	if c.Binary.Version != "" && !versionRegex.MatchString(c.Binary.Version) {
		errors = append(errors, ValidationError{
			Field:   "binary.version",
			Value:   c.Binary.Version,
			Message: "must be a dotted numeric version (e.g. \"16\" or \"16.4\")",
		})
	}

	return errors
}

func (c *Config) validateRegistry() []ValidationError {
	var errors []ValidationError

	if c.Registry.SweepIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "registry.sweep_interval_seconds",
			Value:   c.Registry.SweepIntervalSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
