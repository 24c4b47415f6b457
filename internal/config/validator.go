package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "push.max_backoff_ms")
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

// ValidCollections returns the dependent collections a route may invalidate
func ValidCollections() []string {
	return []string{"node", "node_doc", "path", "thread"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validatePush()...)
	errs = append(errs, c.validateConvergence()...)
	errs = append(errs, c.validateDispatch()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateServer() []ValidationError {
	var errs []ValidationError

	u, err := url.Parse(c.Server.BaseURL)
	if c.Server.BaseURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Value:   c.Server.BaseURL,
			Message: "must be an absolute http(s) URL",
		})
	}
	if c.Server.RequestTimeoutMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.request_timeout_ms",
			Value:   c.Server.RequestTimeoutMs,
			Message: "must be positive",
		})
	}
	if c.Server.MaxRetries < 0 || c.Server.MaxRetries > 10 {
		errs = append(errs, ValidationError{
			Field:   "server.max_retries",
			Value:   c.Server.MaxRetries,
			Message: "must be between 0 and 10",
		})
	}
	return errs
}

func (c *Config) validatePush() []ValidationError {
	var errs []ValidationError

	if c.Push.URL != "" {
		u, err := url.Parse(c.Push.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, ValidationError{
				Field:   "push.url",
				Value:   c.Push.URL,
				Message: "must be a ws:// or wss:// URL",
			})
		}
	}
	if c.Push.MinBackoffMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "push.min_backoff_ms",
			Value:   c.Push.MinBackoffMs,
			Message: "must be positive",
		})
	}
	if c.Push.MaxBackoffMs < c.Push.MinBackoffMs {
		errs = append(errs, ValidationError{
			Field:   "push.max_backoff_ms",
			Value:   c.Push.MaxBackoffMs,
			Message: "must be at least push.min_backoff_ms",
		})
	}
	if c.Push.ReadLimitBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "push.read_limit_bytes",
			Value:   c.Push.ReadLimitBytes,
			Message: "must be positive",
		})
	}
	return errs
}

func (c *Config) validateConvergence() []ValidationError {
	var errs []ValidationError

	// Sub-250ms polling would hammer the backend while a reply streams.
	if c.Convergence.StreamPollIntervalMs < 250 {
		errs = append(errs, ValidationError{
			Field:   "convergence.stream_poll_interval_ms",
			Value:   c.Convergence.StreamPollIntervalMs,
			Message: "must be at least 250",
		})
	}
	if c.Convergence.TerminalDebounceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "convergence.terminal_debounce_ms",
			Value:   c.Convergence.TerminalDebounceMs,
			Message: "must be non-negative",
		})
	}
	return errs
}

func (c *Config) validateDispatch() []ValidationError {
	var errs []ValidationError

	if len(c.Dispatch.PathJobTypes) == 0 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.path_job_types",
			Value:   c.Dispatch.PathJobTypes,
			Message: "must list at least one job type",
		})
	}
	for i, r := range c.Dispatch.Routes {
		field := fmt.Sprintf("dispatch.routes[%d]", i)
		if _, err := glob.Compile(strings.ToLower(r.Pattern)); err != nil || r.Pattern == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".pattern",
				Value:   r.Pattern,
				Message: "must be a valid glob pattern",
			})
		}
		if !slices.Contains(ValidCollections(), r.Collection) {
			errs = append(errs, ValidationError{
				Field:   field + ".collection",
				Value:   r.Collection,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCollections(), ", ")),
			})
		}
		if r.KeyField == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".key_field",
				Value:   r.KeyField,
				Message: "must not be empty",
			})
		}
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errs
}
