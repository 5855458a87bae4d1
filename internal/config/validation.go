package config

import (
	"fmt"
	"net"

	"vmenergy/internal/window"
)

// Device kinds and storage backends.
const (
	BackendHTTP = "http"
	BackendRAPL = "rapl"
	BackendNVML = "nvml"

	BackendInflux = "influx"
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateDevice()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validatePower()...)
	errors = append(errors, c.validateCPU()...)
	errors = append(errors, c.validateSchedule()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validatePublish()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	if c.ServerIP == "" || net.ParseIP(c.ServerIP) != nil {
		return nil
	}
	return []ValidationError{{
		Path:    "server_ip",
		Message: fmt.Sprintf("invalid IP address: %s", c.ServerIP),
	}}
}

func (c *Config) validateDevice() []ValidationError {
	var errors []ValidationError
	valid := []string{BackendHTTP, BackendRAPL, BackendNVML}
	if !contains(valid, c.Device.Kind) {
		errors = append(errors, ValidationError{
			Path:    "device.kind",
			Message: fmt.Sprintf("must be one of %v, got '%s'", valid, c.Device.Kind),
		})
	}
	if c.Device.TimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Path:    "device.timeout_seconds",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Device.TimeoutSeconds),
		})
	}
	return errors
}

func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError
	valid := []string{BackendInflux, BackendSQLite, BackendJSONL}
	if !contains(valid, c.Storage.Backend) {
		errors = append(errors, ValidationError{
			Path:    "storage.backend",
			Message: fmt.Sprintf("must be one of %v, got '%s'", valid, c.Storage.Backend),
		})
	}
	if c.Storage.Backend == BackendInflux && c.Storage.URL == "" {
		errors = append(errors, ValidationError{Path: "storage.url", Message: "required for the influx backend"})
	}
	if (c.Storage.Backend == BackendSQLite || c.Storage.Backend == BackendJSONL) && c.Storage.Path == "" {
		errors = append(errors, ValidationError{Path: "storage.path", Message: "required for file backends"})
	}
	if c.Storage.PowerBucket == "" || c.Storage.CPUBucket == "" {
		errors = append(errors, ValidationError{Path: "storage", Message: "power_bucket and cpu_bucket must be set"})
	}
	return errors
}

func (c *Config) validatePower() []ValidationError {
	var errors []ValidationError
	errors = append(errors, inRange("power.period_minutes", c.Power.PeriodMinutes, 1, 60)...)
	errors = append(errors, inRange("power.samples_per_minute", c.Power.SamplesPerMinute, 1, 60)...)
	errors = append(errors, atLeast("power.iterations", c.Power.Iterations, 1)...)
	errors = append(errors, atLeast("power.horizon_minutes", c.Power.HorizonMinutes, 0)...)
	return errors
}

func (c *Config) validateCPU() []ValidationError {
	var errors []ValidationError
	errors = append(errors, inRange("cpu.interval_minutes", c.CPU.IntervalMinutes, 1, 60)...)
	errors = append(errors, atLeast("cpu.iterations", c.CPU.Iterations, 1)...)
	return errors
}

func (c *Config) validateSchedule() []ValidationError {
	if err := window.ValidateAlign(c.Schedule.Align); err != nil {
		return []ValidationError{{Path: "schedule.align", Message: err.Error()}}
	}
	return nil
}

func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError
	errors = append(errors, atLeast("retry.attempts", c.Retry.Attempts, 1)...)
	errors = append(errors, atLeast("retry.delay_seconds", c.Retry.DelaySeconds, 0)...)
	if c.Retry.MaxDelaySeconds < c.Retry.DelaySeconds {
		errors = append(errors, ValidationError{
			Path:    "retry.max_delay_seconds",
			Message: fmt.Sprintf("must not be below delay_seconds (%d), got %d", c.Retry.DelaySeconds, c.Retry.MaxDelaySeconds),
		})
	}
	return errors
}

func (c *Config) validatePublish() []ValidationError {
	if !c.Publish.Enabled {
		return nil
	}
	var errors []ValidationError
	if len(c.Publish.Brokers) == 0 {
		errors = append(errors, ValidationError{Path: "publish.brokers", Message: "at least one broker required when enabled"})
	}
	if c.Publish.Topic == "" {
		errors = append(errors, ValidationError{Path: "publish.topic", Message: "required when enabled"})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		errors = append(errors, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got '%s'", validLevels, c.Logging.Level),
		})
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, c.Logging.Format) {
		errors = append(errors, ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("must be one of %v, got '%s'", validFormats, c.Logging.Format),
		})
	}

	return errors
}

func inRange(path string, v, min, max int) []ValidationError {
	if v >= min && v <= max {
		return nil
	}
	return []ValidationError{{
		Path:    path,
		Message: fmt.Sprintf("must be between %d and %d, got %d", min, max, v),
	}}
}

func atLeast(path string, v, min int) []ValidationError {
	if v >= min {
		return nil
	}
	return []ValidationError{{
		Path:    path,
		Message: fmt.Sprintf("must be at least %d, got %d", min, v),
	}}
}

// contains checks if a string is in a slice
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
