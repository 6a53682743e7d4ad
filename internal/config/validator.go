package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config field path, e.g. "lease.ttl_seconds"
	Value   any
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
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

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidRuntimeKinds returns the list of valid runtime adapter kinds.
func ValidRuntimeKinds() []string {
	return []string{"local", "fake"}
}

// Validate checks the Config for invalid values and returns all validation
// errors found.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLimits()...)
	errors = append(errors, c.validateLease()...)
	errors = append(errors, c.validateProvision()...)
	errors = append(errors, c.validateTask()...)
	errors = append(errors, c.validateReaper()...)
	errors = append(errors, c.validateRuntime()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateLimits() []ValidationError {
	var errors []ValidationError

	if c.Limits.MaxCPUs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "limits.max_cpus",
			Value:   c.Limits.MaxCPUs,
			Message: "must be positive",
		})
	}
	if c.Limits.MaxMemoryMiB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "limits.max_memory_mib",
			Value:   c.Limits.MaxMemoryMiB,
			Message: "must be positive",
		})
	}
	if c.Limits.MaxDiskGB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "limits.max_disk_gb",
			Value:   c.Limits.MaxDiskGB,
			Message: "must be positive",
		})
	}
	if c.Limits.MaxTaskTimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "limits.max_task_timeout_minutes",
			Value:   c.Limits.MaxTaskTimeoutMinutes,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLease() []ValidationError {
	var errors []ValidationError

	if c.Lease.TTLSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lease.ttl_seconds",
			Value:   c.Lease.TTLSeconds,
			Message: "must be positive",
		})
	}
	if c.Lease.RenewIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lease.renew_interval_seconds",
			Value:   c.Lease.RenewIntervalSeconds,
			Message: "must be positive",
		})
	} else if c.Lease.TTLSeconds > 0 && c.Lease.RenewIntervalSeconds*2 > c.Lease.TTLSeconds {
		// A holder must renew at least twice per TTL or a healthy session
		// can lose its lease to a GC pause.
		errors = append(errors, ValidationError{
			Field:   "lease.renew_interval_seconds",
			Value:   c.Lease.RenewIntervalSeconds,
			Message: fmt.Sprintf("must be at most half of lease.ttl_seconds (%d)", c.Lease.TTLSeconds),
		})
	}

	return errors
}

func (c *Config) validateProvision() []ValidationError {
	var errors []ValidationError

	if c.Provision.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "provision.max_retries",
			Value:   c.Provision.MaxRetries,
			Message: "must be non-negative",
		})
	}
	if c.Provision.BackoffMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "provision.backoff_ms",
			Value:   c.Provision.BackoffMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateTask() []ValidationError {
	var errors []ValidationError

	if c.Task.DefaultTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "task.default_timeout_minutes",
			Value:   c.Task.DefaultTimeoutMinutes,
			Message: "must be non-negative",
		})
	}
	if c.Task.DefaultTimeoutMinutes > c.Limits.MaxTaskTimeoutMinutes && c.Limits.MaxTaskTimeoutMinutes > 0 {
		errors = append(errors, ValidationError{
			Field:   "task.default_timeout_minutes",
			Value:   c.Task.DefaultTimeoutMinutes,
			Message: fmt.Sprintf("must not exceed limits.max_task_timeout_minutes (%d)", c.Limits.MaxTaskTimeoutMinutes),
		})
	}
	if c.Task.MaxTurns < 0 {
		errors = append(errors, ValidationError{
			Field:   "task.max_turns",
			Value:   c.Task.MaxTurns,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateReaper() []ValidationError {
	var errors []ValidationError

	if c.Reaper.Enabled && c.Reaper.IdleTTLHours <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reaper.idle_ttl_hours",
			Value:   c.Reaper.IdleTTLHours,
			Message: "must be positive when the reaper is enabled",
		})
	}

	return errors
}

func (c *Config) validateRuntime() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidRuntimeKinds(), c.Runtime.Kind) {
		errors = append(errors, ValidationError{
			Field:   "runtime.kind",
			Value:   c.Runtime.Kind,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidRuntimeKinds(), ", ")),
		})
	}
	if c.Runtime.Image == "" {
		errors = append(errors, ValidationError{
			Field:   "runtime.image",
			Value:   c.Runtime.Image,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
