package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	leaseguard "go-leaseguard"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "lease.ttl")
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

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateChannel()...)
	errors = append(errors, c.validateLease()...)
	errors = append(errors, c.validateTaskLock()...)
	errors = append(errors, c.validateStartup()...)
	errors = append(errors, positive("shutdown.timeout", c.Shutdown.Timeout)...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if c.Store.DSN == "" {
		errors = append(errors, ValidationError{
			Field:   "store.dsn",
			Value:   c.Store.DSN,
			Message: "must not be empty",
		})
	}

	if err := leaseguard.ValidateNamespace(c.Store.Namespace); err != nil {
		errors = append(errors, ValidationError{
			Field:   "store.namespace",
			Value:   c.Store.Namespace,
			Message: err.Error(),
		})
	}

	errors = append(errors, positive("store.connect_timeout", c.Store.ConnectTimeout)...)
	errors = append(errors, positive("store.operation_timeout", c.Store.OperationTimeout)...)

	return errors
}

func (c *Config) validateChannel() []ValidationError {
	var errors []ValidationError

	if c.Channel.ProbeURL == "" {
		errors = append(errors, ValidationError{
			Field:   "channel.probe_url",
			Value:   c.Channel.ProbeURL,
			Message: "must not be empty",
		})
	} else if u, err := url.Parse(c.Channel.ProbeURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errors = append(errors, ValidationError{
			Field:   "channel.probe_url",
			Value:   c.Channel.ProbeURL,
			Message: "must be an http or https URL",
		})
	}

	if c.Channel.RateLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "channel.rate_limit",
			Value:   c.Channel.RateLimit,
			Message: "must be non-negative",
		})
	}

	errors = append(errors, positive("channel.timeout", c.Channel.Timeout)...)

	return errors
}

func (c *Config) validateLease() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("lease.ttl", c.Lease.TTL)...)
	errors = append(errors, positive("lease.master_heartbeat", c.Lease.MasterHeartbeat)...)
	errors = append(errors, positive("lease.execution_heartbeat", c.Lease.ExecutionHeartbeat)...)
	errors = append(errors, positive("lease.consistency_interval", c.Lease.ConsistencyInterval)...)

	if c.Lease.ConnectionCooldown < 0 {
		errors = append(errors, ValidationError{
			Field:   "lease.connection_cooldown",
			Value:   c.Lease.ConnectionCooldown,
			Message: "must be non-negative",
		})
	}

	// A lease must survive several missed heartbeats.
	if c.Lease.MasterHeartbeat*3 > c.Lease.TTL {
		errors = append(errors, ValidationError{
			Field:   "lease.master_heartbeat",
			Value:   c.Lease.MasterHeartbeat,
			Message: "must be at most a third of lease.ttl",
		})
	}
	if c.Lease.ExecutionHeartbeat*3 > c.Lease.TTL {
		errors = append(errors, ValidationError{
			Field:   "lease.execution_heartbeat",
			Value:   c.Lease.ExecutionHeartbeat,
			Message: "must be at most a third of lease.ttl",
		})
	}

	return errors
}

func (c *Config) validateTaskLock() []ValidationError {
	var errors = positive("task_lock.ttl", c.TaskLock.TTL)

	if c.TaskLock.Ceiling < c.TaskLock.TTL {
		errors = append(errors, ValidationError{
			Field:   "task_lock.ceiling",
			Value:   c.TaskLock.Ceiling,
			Message: "must not be shorter than task_lock.ttl",
		})
	}

	return errors
}

func (c *Config) validateStartup() []ValidationError {
	var errors []ValidationError

	if c.Startup.JitterMin < 0 || c.Startup.JitterMax < c.Startup.JitterMin {
		errors = append(errors, ValidationError{
			Field:   "startup.jitter_max",
			Value:   c.Startup.JitterMax,
			Message: "must be at least startup.jitter_min, which must be non-negative",
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

	if !slices.Contains(ValidLogFormats(), c.Logging.Format) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}

	return errors
}

func positive(field string, d time.Duration) []ValidationError {
	if d > 0 {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   d,
		Message: "must be positive",
	}}
}
